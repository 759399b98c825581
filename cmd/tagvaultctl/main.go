package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/noteriver/tagvault/internal/client"
	"github.com/noteriver/tagvault/internal/kdf"
	"github.com/noteriver/tagvault/internal/version"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// resolveServerURL returns the server URL from the flag or TAGVAULT_SERVER_URL
// env var. Prints a warning to stderr when falling back to the env var.
func resolveServerURL(cmd *cobra.Command, flagValue string) (string, error) {
	normalize := func(v string) string {
		for len(v) > 0 && v[len(v)-1] == '/' {
			v = v[:len(v)-1]
		}
		return v
	}
	if cmd.Flags().Changed("server") {
		return normalize(flagValue), nil
	}
	if v := os.Getenv("TAGVAULT_SERVER_URL"); v != "" {
		fmt.Fprintf(os.Stderr, "tagvaultctl: WARNING: using server URL from TAGVAULT_SERVER_URL environment variable\n")
		return normalize(v), nil
	}
	return "", fmt.Errorf("server URL required: use --server flag or set TAGVAULT_SERVER_URL")
}

// resolveProfile picks the key derivation cost profile from the flag or
// TAGVAULT_KDF_PROFILE, defaulting to production.
func resolveProfile(flagValue string) (kdf.Profile, error) {
	name := flagValue
	if name == "" {
		name = os.Getenv("TAGVAULT_KDF_PROFILE")
	}
	if name == "" {
		return kdf.ProfileProduction, nil
	}
	return kdf.ParseProfile(name)
}

// readPhrase reads the secret phrase without echo when stdin is a terminal,
// otherwise reads a single line (so phrases can be piped in scripts).
func readPhrase(prompt string) (string, error) {
	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprint(os.Stderr, prompt)
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("read phrase: %w", err)
		}
		return string(raw), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("read phrase: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func userID() string {
	if v := os.Getenv("TAGVAULT_USER_ID"); v != "" {
		return v
	}
	return "default"
}

func main() {
	rootCmd := &cobra.Command{
		Use:     "tagvaultctl",
		Short:   "Tagvault - phrase-derived secret tags with encrypted vault storage",
		Version: version.Version,
	}
	rootCmd.SetVersionTemplate(version.String("tagvaultctl") + "\n")

	rootCmd.AddCommand(newRegisterCmd())
	rootCmd.AddCommand(newLoginCmd())
	rootCmd.AddCommand(newPutCmd())
	rootCmd.AddCommand(newGetCmd())
	rootCmd.AddCommand(newLsCmd())
	rootCmd.AddCommand(newRmCmd())
	rootCmd.AddCommand(newStatsCmd())
	rootCmd.AddCommand(newSessionsCmd())
	rootCmd.AddCommand(newLogoutCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRegisterCmd() *cobra.Command {
	var (
		serverURL string
		tagName   string
		colorCode string
		profile   string
	)

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a new secret tag from a phrase",
		Long: `Derive a tag from a secret phrase and register it with the server.
The phrase never leaves this machine; only a blinded value is sent.
A new vault is created and its data key is wrapped under the phrase.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resolved, err := resolveServerURL(cmd, serverURL)
			if err != nil {
				return err
			}
			prof, err := resolveProfile(profile)
			if err != nil {
				return err
			}
			phrase, err := readPhrase("Secret phrase: ")
			if err != nil {
				return err
			}

			c := client.New(resolved, userID())
			c.WarnIfInsecure()
			res, err := c.Register(phrase, tagName, colorCode, prof)
			if err != nil {
				return err
			}
			fmt.Printf("Registered tag %s (%s)\n", res.TagName, res.TagID)
			fmt.Printf("Vault: %s\n", res.VaultID)
			return nil
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "", "Tagvault server URL (or set TAGVAULT_SERVER_URL)")
	cmd.Flags().StringVar(&tagName, "name", "", "Display name for the tag")
	cmd.Flags().StringVar(&colorCode, "color", "", "Display color as #RRGGBB")
	cmd.Flags().StringVar(&profile, "profile", "", "KDF cost profile: development|mobile|production")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

func newLoginCmd() *cobra.Command {
	var (
		serverURL string
		profile   string
	)

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authenticate with a secret phrase and open the vault",
		Long: `Run the blinded authentication exchange for a phrase, unwrap the
vault data key locally and persist the session for later commands.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resolved, err := resolveServerURL(cmd, serverURL)
			if err != nil {
				return err
			}
			prof, err := resolveProfile(profile)
			if err != nil {
				return err
			}
			phrase, err := readPhrase("Secret phrase: ")
			if err != nil {
				return err
			}

			c := client.New(resolved, userID())
			c.WarnIfInsecure()
			res, err := c.Login(phrase, prof)
			if err != nil {
				return err
			}
			err = client.SaveState(&client.State{
				ServerURL: resolved,
				UserID:    userID(),
				TagID:     res.TagID,
				VaultID:   res.VaultID,
				Token:     res.Token,
				DataKey:   res.DataKey,
				ExpiresAt: res.ExpiresAt,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Logged in to vault %s (session expires %s)\n", res.VaultID, res.ExpiresAt.Local().Format("2006-01-02 15:04"))
			return nil
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "", "Tagvault server URL (or set TAGVAULT_SERVER_URL)")
	cmd.Flags().StringVar(&profile, "profile", "", "KDF cost profile: development|mobile|production")

	return cmd
}

// loggedInClient rebuilds a Client from the persisted login state.
func loggedInClient() (*client.Client, *client.State, error) {
	st, err := client.LoadState()
	if err != nil {
		return nil, nil, err
	}
	c := client.New(st.ServerURL, st.UserID)
	c.Token = st.Token
	return c, st, nil
}

func newPutCmd() *cobra.Command {
	var (
		objectID    string
		contentType string
	)

	cmd := &cobra.Command{
		Use:   "put <file>",
		Short: "Encrypt a file and store it in the vault (\"-\" reads stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, st, err := loggedInClient()
			if err != nil {
				return err
			}

			var data []byte
			if args[0] == "-" {
				data, err = io.ReadAll(os.Stdin)
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return fmt.Errorf("read input: %w", err)
			}

			id, err := c.Put(st.DataKey, st.VaultID, objectID, contentType, data)
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}

	cmd.Flags().StringVar(&objectID, "id", "", "Object id (random UUID if omitted)")
	cmd.Flags().StringVar(&contentType, "content-type", "", "MIME content type of the object")

	return cmd
}

func newGetCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "get <object_id>",
		Short: "Fetch and decrypt a vault object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, st, err := loggedInClient()
			if err != nil {
				return err
			}

			data, _, err := c.Get(st.DataKey, st.VaultID, args[0])
			if err != nil {
				return err
			}
			if output == "" || output == "-" {
				_, err = os.Stdout.Write(data)
				return err
			}
			if err := os.WriteFile(output, data, 0600); err != nil {
				return fmt.Errorf("write output: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Write to file instead of stdout")

	return cmd
}

func newLsCmd() *cobra.Command {
	var (
		offset int
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List vault objects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, st, err := loggedInClient()
			if err != nil {
				return err
			}

			page, err := c.List(st.VaultID, offset, limit)
			if err != nil {
				return err
			}
			for _, obj := range page.Objects {
				ct := obj.ContentType
				if ct == "" {
					ct = "-"
				}
				fmt.Printf("%s\t%d\t%s\t%s\n", obj.ObjectID, obj.ContentSize, ct, obj.CreatedAt.Format("2006-01-02 15:04:05"))
			}
			if page.HasMore {
				fmt.Fprintf(os.Stderr, "more objects: rerun with --offset %d\n", page.NextOffset)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&offset, "offset", 0, "Listing offset")
	cmd.Flags().IntVar(&limit, "limit", 0, "Page size (server default if 0)")

	return cmd
}

func newRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <object_id>",
		Short: "Delete a vault object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, st, err := loggedInClient()
			if err != nil {
				return err
			}
			if err := c.Delete(st.VaultID, args[0]); err != nil {
				return err
			}
			fmt.Printf("Deleted %s\n", args[0])
			return nil
		},
	}
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show vault storage statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, st, err := loggedInClient()
			if err != nil {
				return err
			}
			stats, err := c.Stats(st.VaultID)
			if err != nil {
				return err
			}
			fmt.Printf("Objects:       %d\n", stats.Count)
			fmt.Printf("Content bytes: %d\n", stats.ContentBytes)
			fmt.Printf("Stored bytes:  %d\n", stats.StoredBytes)
			for ct, n := range stats.ByType {
				fmt.Printf("  %s: %d\n", ct, n)
			}
			return nil
		},
	}
}

func newSessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List active sessions for this user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := loggedInClient()
			if err != nil {
				return err
			}
			sessions, err := c.Sessions()
			if err != nil {
				return err
			}
			for _, s := range sessions {
				fmt.Printf("%v\t%v\t%v\n", s["id"], s["state"], s["last_activity"])
			}
			return nil
		},
	}
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Invalidate the current session and forget local state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := loggedInClient()
			if err != nil {
				// Not logged in: still clear any stale state file.
				return client.ClearState()
			}
			if _, err := c.Logout(); err != nil {
				fmt.Fprintf(os.Stderr, "tagvaultctl: WARNING: server-side invalidation failed: %v\n", err)
			}
			if err := client.ClearState(); err != nil {
				return err
			}
			fmt.Println("Logged out")
			return nil
		},
	}
}
