// Package cli implements the interactive operator console of voxeld.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"

	"github.com/voxeld-project/voxeld/internal/db"
	"github.com/voxeld-project/voxeld/internal/events"
	"github.com/voxeld-project/voxeld/internal/server"
)

// CLI reads operator commands from in and writes results to out.
type CLI struct {
	bus  *events.EventBus
	game *server.Server
	bans *db.BanList

	// mapPath is the default target of savemap.
	mapPath string

	in  io.Reader
	out io.Writer
}

// NewCLI creates a console for game. bans may be nil.
func NewCLI(bus *events.EventBus, game *server.Server, bans *db.BanList, mapPath string, in io.Reader, out io.Writer) *CLI {
	return &CLI{bus: bus, game: game, bans: bans, mapPath: mapPath, in: in, out: out}
}

// Start runs the read loop until ctx is cancelled or input ends.
func (c *CLI) Start(ctx context.Context) {
	fmt.Fprintln(c.out, "\nvoxeld console ready. Type 'help' for available commands.")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Fprint(c.out, "voxeld> ")
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			parts := strings.Fields(line)
			if len(parts) == 0 {
				continue
			}
			if err := c.Execute(ctx, strings.ToLower(parts[0]), parts[1:]); err != nil {
				fmt.Fprintf(c.out, "Error: %v\n", err)
			}
		}
	}
}

// Execute runs one command.
func (c *CLI) Execute(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		c.printStatus()
	case "connections", "conns":
		c.printConnections()
	case "players", "p":
		c.printPlayers()
	case "entities":
		c.printEntities()
	case "ticks":
		c.printTicks()
	case "kick":
		return c.cmdKick(args)
	case "ban":
		return c.cmdBan(ctx, args)
	case "unban":
		return c.cmdUnban(args)
	case "bans":
		return c.printBans()
	case "savemap":
		return c.cmdSaveMap(args)
	case "params":
		return c.cmdParams(args)
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Shutting down voxeld...")
		c.bus.Emit(ctx, events.Event{Type: events.EventShutdown, Source: "cli"})
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return nil
}

func (c *CLI) printHelp() {
	fmt.Fprint(c.out, `
  status                      Show server summary
  connections                 List transport peers and their state
  players                     List players
  entities                    List world entities
  ticks                       Show tick timing
  kick <peer> [reason]        Disconnect a peer
  ban <host> [minutes] [why]  Ban an address (0 minutes = permanent)
  unban <host>                Lift a ban
  bans                        List active bans
  savemap [path] [level]      Save the terrain (.vxd, or .db for a block store)
  params [key=value ...]      Show or change world parameters
  quit                        Shut down voxeld
  help                        Show this help message

`)
}

func (c *CLI) table(header []string) *tablewriter.Table {
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader(header)
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	return tw
}

func (c *CLI) printStatus() {
	info := c.game.Info()
	stats := c.game.Monitor().Stats()

	fmt.Fprintf(c.out, "\n  Name:         %s\n", info.Name)
	fmt.Fprintf(c.out, "  Protocol:     %s\n", info.Protocol)
	fmt.Fprintf(c.out, "  Players:      %d/%d\n", info.Players, info.MaxPlayers)
	fmt.Fprintf(c.out, "  Connections:  %d\n", info.Connections)
	fmt.Fprintf(c.out, "  Entities:     %d\n", info.Entities)
	fmt.Fprintf(c.out, "  Map:          %dx%dx%d\n", info.MapWidth, info.MapHeight, info.MapDepth)
	fmt.Fprintf(c.out, "  Ticks:        %s\n", humanize.Comma(int64(info.Ticks)))
	fmt.Fprintf(c.out, "  Long ticks:   %d\n", stats.LongTicks)
	fmt.Fprintf(c.out, "  Started:      %s\n\n", humanize.Time(time.Now().Add(-info.Uptime)))
}

func (c *CLI) printConnections() {
	tw := c.table([]string{"Peer", "Address", "State", "Name", "Player", "Connected"})
	for _, ci := range c.game.Connections() {
		player := "-"
		if ci.PlayerID != nil {
			player = strconv.FormatUint(uint64(*ci.PlayerID), 10)
		}
		tw.Append([]string{
			strconv.FormatUint(ci.Peer, 10),
			ci.Addr,
			ci.State.String(),
			ci.Name,
			player,
			humanize.Time(ci.ConnectedAt),
		})
	}
	tw.Render()
}

func (c *CLI) printPlayers() {
	players := c.game.Players()
	tw := c.table([]string{"ID", "Name", "Team", "Score", "Deaths", "Health", "Peer"})
	for _, p := range players {
		health := "dead"
		if p.Alive {
			health = strconv.Itoa(p.Health)
		}
		peer := "-"
		if p.Peer != nil {
			peer = strconv.FormatUint(*p.Peer, 10)
		}
		tw.Append([]string{
			strconv.FormatUint(uint64(p.ID), 10),
			p.Name,
			strconv.Itoa(int(p.Team)),
			strconv.Itoa(int(p.Score)),
			strconv.FormatUint(uint64(p.Deaths), 10),
			health,
			peer,
		})
	}
	tw.Render()
}

func (c *CLI) printEntities() {
	tw := c.table([]string{"ID", "Kind", "Owner", "Position", "Health"})
	for _, e := range c.game.Entities() {
		owner := "-"
		if e.Owner != nil {
			owner = strconv.FormatUint(uint64(*e.Owner), 10)
		}
		tw.Append([]string{
			strconv.FormatUint(uint64(e.ID), 10),
			e.Kind.String(),
			owner,
			fmt.Sprintf("%.1f, %.1f, %.1f", e.Position.X, e.Position.Y, e.Position.Z),
			strconv.Itoa(e.Health),
		})
	}
	tw.Render()
}

func (c *CLI) printTicks() {
	m := c.game.Monitor()
	stats := m.Stats()
	fmt.Fprintf(c.out, "\n  Ticks:       %s\n", humanize.Comma(int64(stats.Ticks)))
	fmt.Fprintf(c.out, "  Long ticks:  %d\n", stats.LongTicks)
	fmt.Fprintf(c.out, "  This hour:   %d\n", stats.LongThisHour)
	fmt.Fprintf(c.out, "  Budget:      %s\n", stats.Budget)
	fmt.Fprintf(c.out, "  Last:        %s\n", stats.LastDuration)
	fmt.Fprintf(c.out, "  Worst:       %s\n", stats.MaxDuration)
	fmt.Fprintf(c.out, "  Average:     %.2fms\n", stats.AvgDurationMs)
	if alert := m.CheckThresholds(); alert != nil {
		fmt.Fprintf(c.out, "  Alert:       %s (%s)\n", alert.Message, alert.Level)
	}
	fmt.Fprintln(c.out)
}

func (c *CLI) cmdKick(args []string) error {
	if len(args) < 1 {
		return errors.New("usage: kick <peer> [reason]")
	}
	peer, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid peer: %s", args[0])
	}
	reason := "kicked by an operator"
	if len(args) > 1 {
		reason = strings.Join(args[1:], " ")
	}
	if err := c.game.Kick(peer, reason); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Kicked peer %d\n", peer)
	return nil
}

func (c *CLI) cmdBan(ctx context.Context, args []string) error {
	if c.bans == nil {
		return errors.New("ban list is disabled")
	}
	if len(args) < 1 {
		return errors.New("usage: ban <host> [minutes] [reason]")
	}
	host := args[0]
	var minutes int
	rest := args[1:]
	if len(rest) > 0 {
		if n, err := strconv.Atoi(rest[0]); err == nil {
			minutes = n
			rest = rest[1:]
		}
	}
	reason := "banned"
	if len(rest) > 0 {
		reason = strings.Join(rest, " ")
	}

	if _, err := c.bans.Ban(host, reason, time.Duration(minutes)*time.Minute); err != nil {
		return err
	}
	kicked := c.game.KickHost(host, reason)
	c.bus.Emit(ctx, events.Event{
		Type:    events.EventKick,
		Source:  "cli",
		Payload: events.KickPayload{Addr: host, Reason: reason, Ban: true},
	})
	log.Info().Str("host", host).Int("minutes", minutes).Int("kicked", kicked).Msg("CLI: host banned")
	fmt.Fprintf(c.out, "Banned %s (%d peers kicked)\n", host, kicked)
	return nil
}

func (c *CLI) cmdUnban(args []string) error {
	if c.bans == nil {
		return errors.New("ban list is disabled")
	}
	if len(args) != 1 {
		return errors.New("usage: unban <host>")
	}
	if err := c.bans.Unban(args[0]); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Unbanned %s\n", args[0])
	return nil
}

func (c *CLI) printBans() error {
	if c.bans == nil {
		return errors.New("ban list is disabled")
	}
	tw := c.table([]string{"Host", "Reason", "Since", "Expires"})
	for _, b := range c.bans.List() {
		expires := "never"
		if b.ExpiresAt != nil {
			expires = humanize.Time(*b.ExpiresAt)
		}
		tw.Append([]string{b.Host, b.Reason, humanize.Time(b.CreatedAt), expires})
	}
	tw.Render()
	return nil
}

func (c *CLI) cmdSaveMap(args []string) error {
	path := c.mapPath
	if len(args) > 0 {
		path = args[0]
	}
	if path == "" {
		return errors.New("usage: savemap <path> [level]")
	}

	if strings.HasSuffix(path, ".db") {
		if err := c.game.ExportBlockStore(path); err != nil {
			return err
		}
	} else {
		level := -1
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid level: %s", args[1])
			}
			level = n
		}
		if err := c.game.SaveMap(path, level); err != nil {
			return err
		}
	}
	fmt.Fprintf(c.out, "Map saved to %s\n", path)
	return nil
}

func (c *CLI) cmdParams(args []string) error {
	params := c.game.Parameters()
	if len(args) > 0 {
		props := make(map[string]string, len(args))
		for _, arg := range args {
			k, v, ok := strings.Cut(arg, "=")
			if !ok {
				return fmt.Errorf("expected key=value, got %q", arg)
			}
			props[k] = v
		}
		params = c.game.UpdateParameters(props)
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tw := c.table([]string{"Parameter", "Value"})
	for _, k := range keys {
		tw.Append([]string{k, params[k]})
	}
	tw.Render()
	return nil
}
