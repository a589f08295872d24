package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/org/credvault/internal/auth"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "vaultctl",
	Short: "CredVault CLI",
	Long:  "A CLI for managing credentials in CredVault.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		loadConfig()
		// Env var overrides are applied in newClient()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table", "Output format: table, json, raw")
	rootCmd.PersistentFlags().StringVar(&outputField, "field", "", "Print only this field (use with -format=raw)")

	rootCmd.AddCommand(loginCmd())
	rootCmd.AddCommand(logoutCmd())
	rootCmd.AddCommand(secretCmd())
	rootCmd.AddCommand(passwordCmd())
	rootCmd.AddCommand(operatorCmd())
	rootCmd.AddCommand(hashPasswordCmd())
}

func promptSecret(prompt string) string {
	fmt.Fprint(os.Stderr, prompt)
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Scan()
	return strings.TrimSpace(scanner.Text())
}

// --- auth ---

func loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login <email>",
		Short: "Log in and save the session token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password := promptSecret("Password: ")

			client := newClient()
			result, err := client.post("/v1/auth/login", map[string]any{
				"email":    args[0],
				"password": password,
			})
			if err != nil {
				printError(err.Error())
				return nil
			}
			if d, ok := result["data"].(map[string]any); ok {
				if tok, ok := d["token"].(string); ok {
					cfg.Token = tok
					if err := saveConfig(); err == nil {
						fmt.Fprintln(os.Stderr, "Token saved to config.")
					}
				}
				printResult(map[string]any{"expires_at": d["expires_at"]})
				return nil
			}
			printResult(result)
			return nil
		},
	}
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Revoke the current session token",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			if _, err := client.post("/v1/auth/logout", nil); err != nil {
				printError(err.Error())
				return nil
			}
			cfg.Token = ""
			saveConfig() //nolint:errcheck
			printSuccess("Success! Logged out.")
			return nil
		},
	}
}

// --- secret ---

func secretCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "secret", Short: "Manage stored credentials"}

	putCmd := &cobra.Command{
		Use:   "put <path> <password> [key=value ...]",
		Short: "Store a credential",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			metadata := map[string]string{}
			for _, kv := range args[2:] {
				parts := strings.SplitN(kv, "=", 2)
				if len(parts) != 2 {
					return fmt.Errorf("invalid key=value pair: %s", kv)
				}
				metadata[parts[0]] = parts[1]
			}
			client := newClient()
			result, err := client.post("/v1/secret/data/"+args[0], map[string]any{
				"password": args[1],
				"metadata": metadata,
			})
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}

	getCmd := &cobra.Command{
		Use:   "get <path>",
		Short: "Read a credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			result, err := client.get("/v1/secret/data/" + args[0])
			if err != nil {
				printError(err.Error())
				return nil
			}
			if d, ok := result["data"].(map[string]any); ok {
				printResult(d)
				return nil
			}
			printResult(result)
			return nil
		},
	}

	listCmd := &cobra.Command{
		Use:   "list [prefix]",
		Short: "List credential paths",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix := ""
			if len(args) > 0 {
				prefix = args[0]
			}
			client := newClient()
			result, err := client.get("/v1/secret/metadata/" + prefix)
			if err != nil {
				printError(err.Error())
				return nil
			}
			if d, ok := result["data"].(map[string]any); ok {
				if keys, ok := d["keys"].([]any); ok {
					for _, k := range keys {
						fmt.Println(k)
					}
					return nil
				}
			}
			printResult(result)
			return nil
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <path>",
		Short: "Delete a credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			if err := client.delete("/v1/secret/data/" + args[0]); err != nil {
				printError(err.Error())
				return nil
			}
			printSuccess("Success! Credential deleted.")
			return nil
		},
	}

	importCmd := &cobra.Command{
		Use:   "import <file.json>",
		Short: "Import credentials from a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			result, err := client.upload("/v1/secret/import", args[0])
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}

	exportCmd := &cobra.Command{
		Use:   "export [prefix]",
		Short: "Export credentials as encrypted envelopes",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/secret/export"
			if len(args) > 0 {
				path += "?prefix=" + args[0]
			}
			client := newClient()
			result, err := client.get(path)
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}

	cmd.AddCommand(putCmd, getCmd, listCmd, deleteCmd, importCmd, exportCmd)
	return cmd
}

// --- password ---

func passwordCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "password", Short: "Password tools"}

	generateCmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a strong password",
		RunE: func(cmd *cobra.Command, args []string) error {
			length, _ := cmd.Flags().GetInt("length")
			symbols, _ := cmd.Flags().GetBool("symbols")
			client := newClient()
			result, err := client.post("/v1/password/generate", map[string]any{
				"length":  length,
				"symbols": symbols,
			})
			if err != nil {
				printError(err.Error())
				return nil
			}
			if d, ok := result["data"].(map[string]any); ok {
				printResult(d)
				return nil
			}
			printResult(result)
			return nil
		},
	}
	generateCmd.Flags().Int("length", 16, "Password length")
	generateCmd.Flags().Bool("symbols", true, "Include symbols")

	scoreCmd := &cobra.Command{
		Use:   "score",
		Short: "Score a password's strength",
		RunE: func(cmd *cobra.Command, args []string) error {
			password := promptSecret("Password: ")
			client := newClient()
			result, err := client.post("/v1/password/score", map[string]any{"password": password})
			if err != nil {
				printError(err.Error())
				return nil
			}
			if d, ok := result["data"].(map[string]any); ok {
				printResult(d)
				return nil
			}
			printResult(result)
			return nil
		},
	}

	cmd.AddCommand(generateCmd, scoreCmd)
	return cmd
}

// --- operator ---

func operatorCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "operator", Short: "Vault operator commands"}

	rotateCmd := &cobra.Command{
		Use:   "rotate",
		Short: "Rotate the encryption key",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			result, err := client.post("/v1/sys/rotate", nil)
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}

	backupCmd := &cobra.Command{
		Use:   "backup",
		Short: "Back up the encryption key",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			result, err := client.post("/v1/sys/backup", nil)
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "rotation-status",
		Short: "Show key rotation status",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			result, err := client.get("/v1/sys/rotation-status")
			if err != nil {
				printError(err.Error())
				return nil
			}
			if d, ok := result["data"].(map[string]any); ok {
				printResult(d)
				return nil
			}
			printResult(result)
			return nil
		},
	}

	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "Query the audit log",
		RunE: func(cmd *cobra.Command, args []string) error {
			severity, _ := cmd.Flags().GetString("severity")
			action, _ := cmd.Flags().GetString("action")
			limit, _ := cmd.Flags().GetInt("limit")

			query := fmt.Sprintf("?limit=%d", limit)
			if severity != "" {
				query += "&severity=" + severity
			}
			if action != "" {
				query += "&action=" + action
			}

			client := newClient()
			result, err := client.get("/v1/sys/audit-log" + query)
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
	auditCmd.Flags().String("severity", "", "Filter by severity (low, medium, high, critical)")
	auditCmd.Flags().String("action", "", "Filter by action")
	auditCmd.Flags().Int("limit", 50, "Maximum events to return")

	purgeCmd := &cobra.Command{
		Use:   "audit-purge",
		Short: "Purge old low-severity audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			days, _ := cmd.Flags().GetInt("retention-days")
			client := newClient()
			result, err := client.post("/v1/sys/audit-purge", map[string]any{"retention_days": days})
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
	purgeCmd.Flags().Int("retention-days", 90, "Retention window for low-severity events")

	cmd.AddCommand(rotateCmd, backupCmd, statusCmd, auditCmd, purgeCmd)
	return cmd
}

// --- hash-password ---

// hashPasswordCmd generates a bcrypt hash locally for provisioning a user
// entry in the server config. The plaintext never leaves the machine.
func hashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password",
		Short: "Hash a password for the server user config",
		RunE: func(cmd *cobra.Command, args []string) error {
			password := promptSecret("Password: ")
			hash, err := auth.HashPassword(password)
			if err != nil {
				printError(err.Error())
				return nil
			}
			fmt.Println(hash)
			return nil
		},
	}
}
