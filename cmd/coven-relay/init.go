// ABOUTME: Interactive setup for coven-relay
// ABOUTME: Asks for the Matrix account and agent policy and writes a YAML config

package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"gopkg.in/yaml.v3"

	"github.com/2389/coven-relay/internal/config"
)

// initAnswers are the values gathered by runInit.
type initAnswers struct {
	Homeserver     string
	UserID         string
	AccessToken    string
	RecoveryKey    string
	AllowedUsers   []string
	WorkingDir     string
	Model          string
	PermissionMode string
}

func runInit(in io.Reader, configPath string) error {
	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println("    Interactive Setup")
	fmt.Println("    -----------------")
	fmt.Println()

	reader := bufio.NewReader(in)

	if _, err := os.Stat(configPath); err == nil {
		yellow.Printf("    Config already exists at %s\n", configPath)
		if answer := prompt(reader, "    Overwrite?", "no"); !isYes(answer) {
			fmt.Println("    Aborted.")
			return nil
		}
		fmt.Println()
	}

	a := initAnswers{
		Homeserver:     prompt(reader, "    Matrix homeserver URL", "https://matrix.org"),
		UserID:         prompt(reader, "    Bot user ID (e.g. @relay:matrix.org)", ""),
		AccessToken:    prompt(reader, "    Access token (or ${VAR} to read it from the environment)", "${MATRIX_ACCESS_TOKEN}"),
		RecoveryKey:    prompt(reader, "    Recovery key (optional, enables E2EE)", ""),
		AllowedUsers:   splitList(prompt(reader, "    Users allowed to talk to the agent (comma separated)", "")),
		WorkingDir:     prompt(reader, "    Agent working directory", ""),
		Model:          prompt(reader, "    Model (empty = CLI default)", ""),
		PermissionMode: prompt(reader, "    Permission mode (default/acceptEdits/plan/bypassPermissions)", "default"),
	}

	if len(a.AllowedUsers) == 0 {
		yellow.Println("    No allowed users: anyone who can reach the bot can run the agent.")
	}

	data, err := renderInitConfig(a)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	// The file may hold an access token.
	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Println()
	green.Printf("    ✓ Config written to %s\n", configPath)
	fmt.Println()
	fmt.Println("    Next steps:")
	fmt.Println("    1. Invite the bot to a room")
	fmt.Println("    2. Run: coven-relay")
	fmt.Println()
	return nil
}

// renderInitConfig produces a config file that config.Load accepts.
func renderInitConfig(a initAnswers) ([]byte, error) {
	doc := struct {
		Matrix  config.MatrixConfig  `yaml:"matrix"`
		Agent   config.AgentConfig   `yaml:"agent"`
		Logging config.LoggingConfig `yaml:"logging"`
	}{
		Matrix: config.MatrixConfig{
			Homeserver:   a.Homeserver,
			UserID:       a.UserID,
			AccessToken:  a.AccessToken,
			RecoveryKey:  a.RecoveryKey,
			AllowedUsers: a.AllowedUsers,
		},
		Agent: config.AgentConfig{
			WorkingDir:     a.WorkingDir,
			Model:          a.Model,
			PermissionMode: a.PermissionMode,
		},
		Logging: config.LoggingConfig{Level: "info", Format: "text"},
	}

	body, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}
	header := "# coven-relay configuration\n# Generated by coven-relay init\n\n"
	return append([]byte(header), body...), nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	input = strings.TrimSpace(input)
	if err != nil && input == "" {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	if input == "" {
		return defaultVal
	}
	return input
}

func isYes(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "y" || s == "yes"
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
