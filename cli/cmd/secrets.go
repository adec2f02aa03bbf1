package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"southwinds.dev/securevault"
)

var setCmd = &cobra.Command{
	Use:   "set <key> [value]",
	Short: "Store a value",
	Long:  "Store a value under key, replacing any previous value. The value can be given inline, read from a file or from stdin.",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  setValue,
}

var getCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print a value",
	Long:  "Decrypt and print the value stored under key.",
	Args:  cobra.ExactArgs(1),
	RunE:  getValue,
}

var deleteCmd = &cobra.Command{
	Use:   "delete <key>",
	Short: "Remove a value",
	Long:  "Remove key from the vault. Removing a key that does not exist is not an error.",
	Args:  cobra.ExactArgs(1),
	RunE:  deleteValue,
}

var (
	valueFile  string
	valueStdin bool
	jsonOutput bool
)

func init() {
	rootCmd.AddCommand(setCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(deleteCmd)

	setCmd.Flags().StringVarP(&valueFile, "file", "f", "", "read the value from a file")
	setCmd.Flags().BoolVar(&valueStdin, "stdin", false, "read the value from stdin")

	getCmd.Flags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	deleteCmd.Flags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
}

func setValue(cmd *cobra.Command, args []string) error {
	key := args[0]

	value, err := readValue(cmd, args)
	if err != nil {
		return err
	}

	v, err := currentVault()
	if err != nil {
		return err
	}

	if err = v.Set(cmd.Context(), key, value); err != nil {
		return fmt.Errorf("failed to store %s: %w", key, err)
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "Stored %s in namespace %s\n", key, v.Namespace())
	return nil
}

func readValue(cmd *cobra.Command, args []string) (string, error) {
	sources := 0
	if len(args) == 2 {
		sources++
	}
	if valueFile != "" {
		sources++
	}
	if valueStdin {
		sources++
	}
	if sources != 1 {
		return "", fmt.Errorf("provide the value exactly once: inline, --file or --stdin")
	}

	switch {
	case len(args) == 2:
		return args[1], nil
	case valueFile != "":
		data, err := os.ReadFile(valueFile)
		if err != nil {
			return "", fmt.Errorf("failed to read value file: %w", err)
		}
		return string(data), nil
	default:
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", fmt.Errorf("failed to read stdin: %w", err)
		}
		return strings.TrimRight(string(data), "\r\n"), nil
	}
}

func getValue(cmd *cobra.Command, args []string) error {
	key := args[0]

	v, err := currentVault()
	if err != nil {
		return err
	}

	value, err := v.Lookup(cmd.Context(), key)
	if err != nil {
		if errors.Is(err, securevault.ErrNotFound) {
			return fmt.Errorf("key %s not found in namespace %s", key, v.Namespace())
		}
		return err
	}

	if jsonOutput {
		return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]string{
			"namespace": v.Namespace(),
			"key":       key,
			"value":     value,
		})
	}

	fmt.Fprintln(cmd.OutOrStdout(), value)
	return nil
}

func deleteValue(cmd *cobra.Command, args []string) error {
	key := args[0]

	v, err := currentVault()
	if err != nil {
		return err
	}

	existed, err := v.Delete(cmd.Context(), key)
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}

	if jsonOutput {
		return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]interface{}{
			"namespace": v.Namespace(),
			"key":       key,
			"deleted":   existed,
		})
	}

	if existed {
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", key)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "Key %s was not present\n", key)
	}
	return nil
}
