// Command marmot runs one chat session from a TOML config file and a
// line-oriented console: plain lines send messages, slash commands
// drive invites and key rotation.
package main

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	marmot "github.com/marmotchat/marmot"
	"github.com/marmotchat/marmot/identity"
	"github.com/marmotchat/marmot/internal/log"
	"github.com/marmotchat/marmot/relay"
)

type fileConfig struct {
	Role          string   `toml:"role"`
	SessionID     string   `toml:"session_id"`
	SignallingURL string   `toml:"signalling_url"`
	TransportURL  string   `toml:"transport_url"`
	Secret        string   `toml:"secret"`
	GroupID       string   `toml:"group_id"`
	AdminPubKeys  []string `toml:"admin_pubkeys"`
	PeerPubKeys   []string `toml:"peer_pubkeys"`
	AudioLabel    string   `toml:"audio_label"`
	LogFile       string   `toml:"log_file"`
	LogLevel      string   `toml:"log_level"`
}

func main() {
	rootCmd := &cobra.Command{
		Use:           "marmot",
		Short:         "End-to-end encrypted group chat over MoQ",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(runCmd(), keygenCmd())
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a fresh identity secret and print its public key",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := make([]byte, 32)
			if _, err := rand.Read(secret); err != nil {
				return err
			}
			id, err := identity.New(secret, log.NewDefault("ERROR"))
			if err != nil {
				return err
			}
			fmt.Printf("secret = %q\n", hex.EncodeToString(secret))
			fmt.Printf("pubkey = %q\n", hex.EncodeToString(id.PublicKey()))
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Join a session and chat from the console",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "f", "marmot.toml", "path to the session config")
	return cmd
}

func run(configPath string) error {
	var fc fileConfig
	if _, err := toml.DecodeFile(configPath, &fc); err != nil {
		return fmt.Errorf("config: %v", err)
	}
	if fc.LogLevel == "" {
		fc.LogLevel = "NOTICE"
	}
	backend, err := log.New(fc.LogFile, fc.LogLevel, false)
	if err != nil {
		return fmt.Errorf("config: %v", err)
	}

	engine, err := marmot.New(&marmot.SessionConfig{
		Role:          relay.Role(fc.Role),
		SignallingURL: fc.SignallingURL,
		TransportURL:  fc.TransportURL,
		SessionID:     fc.SessionID,
		SecretHex:     fc.Secret,
		GroupIDHex:    fc.GroupID,
		AdminPubKeys:  fc.AdminPubKeys,
		PeerPubKeys:   fc.PeerPubKeys,
		LogBackend:    backend,
		OnEvent:       printEvent,
	})
	if err != nil {
		return err
	}
	defer engine.Shutdown()

	if err := engine.Start(); err != nil {
		return err
	}
	if fc.AudioLabel != "" {
		if err := engine.AnnounceAudio(fc.AudioLabel); err != nil {
			return err
		}
	}
	fmt.Printf("you are %s\n", engine.PublicKeyHex())

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case line == "/quit":
			return nil
		case line == "/rotate":
			if err := engine.RotateEpoch(); err != nil {
				return err
			}
		case strings.HasPrefix(line, "/invite "):
			fields := strings.Fields(line)
			admin := len(fields) > 2 && fields[2] == "admin"
			if err := engine.InviteMember(fields[1], admin); err != nil {
				return err
			}
		default:
			if err := engine.SendMessage(line); err != nil {
				return err
			}
		}
	}
	return scanner.Err()
}

func printEvent(ev marmot.Event) {
	switch ev := ev.(type) {
	case *marmot.MessageEvent:
		who := ev.Author
		if ev.Local {
			who = "you"
		}
		fmt.Printf("<%s> %s\n", who, ev.Content)
	case *marmot.AudioFrameEvent:
		// Too chatty for the console.
	default:
		fmt.Println(ev.String())
	}
}
