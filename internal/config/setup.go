package config

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// RunSetupWizard asks the operator for the essential settings on in and
// saves the result.
func RunSetupWizard(cfg *Config, in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)

	fmt.Fprintln(out, "voxeld first run setup")
	fmt.Fprintln(out)

	fmt.Fprintln(out, "-- Server --")
	cfg.Server.Name = promptString(reader, out, "Server name", cfg.Server.Name)
	cfg.Server.MaxPlayers = promptInt(reader, out, "Maximum players", cfg.Server.MaxPlayers)
	cfg.Server.MapFile = promptString(reader, out, "Map file (blank generates a flat map)", cfg.Server.MapFile)

	fmt.Fprintln(out)
	fmt.Fprintln(out, "-- Network --")
	cfg.Network.ListenAddress = promptString(reader, out, "Game listen address", cfg.Network.ListenAddress)
	cfg.Network.PingEnabled = promptBool(reader, out, "Answer discovery pings", cfg.Network.PingEnabled)

	fmt.Fprintln(out)
	fmt.Fprintln(out, "-- Admin API --")
	cfg.API.Enabled = promptBool(reader, out, "Enable admin API", cfg.API.Enabled)
	if cfg.API.Enabled {
		cfg.API.ListenAddress = promptString(reader, out, "Admin API address", cfg.API.ListenAddress)
		if cfg.API.Token == "" {
			token, err := newToken()
			if err != nil {
				return err
			}
			cfg.API.Token = promptString(reader, out, "Admin API token", token)
		}
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "-- MQTT Telemetry --")
	cfg.MQTT.Enabled = promptBool(reader, out, "Enable MQTT telemetry", cfg.MQTT.Enabled)
	if cfg.MQTT.Enabled {
		cfg.MQTT.BrokerURL = promptString(reader, out, "Broker host", cfg.MQTT.BrokerURL)
		cfg.MQTT.Port = promptInt(reader, out, "Broker port", cfg.MQTT.Port)
	}

	result := Validate(cfg)
	if !result.IsValid() {
		fmt.Fprintln(out, "\nconfiguration has errors:")
		for _, e := range result.Errors {
			fmt.Fprintf(out, "  - [%s] %s\n", e.Field, e.Message)
		}
		return fmt.Errorf("configuration validation failed")
	}
	for _, w := range result.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}

	if err := cfg.Save(); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}
	fmt.Fprintf(out, "\nconfiguration saved to %s\n", cfg.Path())
	return nil
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func promptString(reader *bufio.Reader, out io.Writer, prompt, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "  %s [%s]: ", prompt, defaultVal)
	} else {
		fmt.Fprintf(out, "  %s: ", prompt)
	}

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultVal
	}
	return input
}

func promptInt(reader *bufio.Reader, out io.Writer, prompt string, defaultVal int) int {
	input := promptString(reader, out, prompt, strconv.Itoa(defaultVal))
	val, err := strconv.Atoi(input)
	if err != nil {
		fmt.Fprintf(out, "    invalid number, using default: %d\n", defaultVal)
		return defaultVal
	}
	return val
}

func promptBool(reader *bufio.Reader, out io.Writer, prompt string, defaultVal bool) bool {
	def := "no"
	if defaultVal {
		def = "yes"
	}
	switch strings.ToLower(promptString(reader, out, prompt, def)) {
	case "yes", "y", "true", "1":
		return true
	default:
		return false
	}
}
