package cli

import (
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"

	"glance/internal/config"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// credentials 段下的键均视为敏感
const sensitivePrefix = "credentials."

// NewConfigCmd 创建 config 命令组
func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
		Long:  "Get, set, list, and edit configuration values",
	}

	cmd.AddCommand(newConfigGetCmd())
	cmd.AddCommand(newConfigSetCmd())
	cmd.AddCommand(newConfigListCmd())
	cmd.AddCommand(newConfigPathCmd())
	cmd.AddCommand(newConfigEditCmd())

	return cmd
}

func newConfigGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Get a configuration value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			value := config.Get(key)

			if value == nil {
				return fmt.Errorf("key not found: %s", key)
			}
			if isSensitive(key) {
				value = maskAny(value)
			}

			fmt.Fprintln(cmd.OutOrStdout(), value)
			return nil
		},
	}
}

func newConfigSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a configuration value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			value := args[1]

			if err := config.Set(key, value); err != nil {
				return fmt.Errorf("set config: %w", err)
			}

			shown := value
			if isSensitive(key) {
				shown = maskValue(value)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, shown)
			return nil
		},
	}
}

func newConfigListCmd() *cobra.Command {
	var showAll bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List all configuration values",
		RunE: func(cmd *cobra.Command, args []string) error {
			keys := flattenSettings("", viper.AllSettings())
			sort.Strings(keys)

			for _, key := range keys {
				value := viper.Get(key)
				if isSensitive(key) && !showAll {
					value = maskAny(value)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s = %v\n", key, value)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&showAll, "all", false, "show sensitive values")

	return cmd
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Show configuration file path",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if cliCtx := GetCLIContext(cmd); cliCtx != nil {
				path = cliCtx.ConfigPath
			}
			if path == "" {
				var err error
				if path, err = config.DefaultConfigPath(); err != nil {
					return err
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
}

func newConfigEditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "edit",
		Short: "Edit configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCtx, err := requireCLIContext(cmd)
			if err != nil {
				return err
			}

			// 获取编辑器
			editor := os.Getenv("EDITOR")
			if editor == "" {
				editor = os.Getenv("VISUAL")
			}
			if editor == "" {
				editor = "vi"
			}

			c := exec.Command(editor, cliCtx.ConfigPath)
			c.Stdin = os.Stdin
			c.Stdout = os.Stdout
			c.Stderr = os.Stderr
			return c.Run()
		},
	}
}

// flattenSettings 将嵌套配置展平为点分隔的键列表
func flattenSettings(prefix string, settings map[string]any) []string {
	var keys []string
	for k, v := range settings {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok && len(nested) > 0 {
			keys = append(keys, flattenSettings(key, nested)...)
		} else {
			keys = append(keys, key)
		}
	}
	return keys
}

func isSensitive(key string) bool {
	return strings.HasPrefix(strings.ToLower(key), sensitivePrefix)
}

func maskAny(v any) any {
	switch val := v.(type) {
	case string:
		return maskValue(val)
	case map[string]any:
		masked := make(map[string]any, len(val))
		for k, inner := range val {
			masked[k] = maskAny(inner)
		}
		return masked
	default:
		return "****"
	}
}

// maskValue 脱敏处理，只保留长度信息
func maskValue(s string) string {
	if s == "" {
		return ""
	}
	return fmt.Sprintf("**** (%d chars)", len(s))
}
