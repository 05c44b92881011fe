// Command chatctl is a terminal client for a pairchat server.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/mattn/go-shellwords"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	serverKey      = "server"
	participantKey = "participant"
)

var (
	cfgFile string
	remote  *apiClient
)

var rootCmd = &cobra.Command{
	Use:   "chatctl",
	Short: "Talk to a pairchat server",
	Long: `chatctl derives room ids, reads and sends messages, lists conversations,
and follows a room live over WebSocket.

Run without arguments for an interactive prompt.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		server := viper.GetString(serverKey)
		if server == "" {
			return fmt.Errorf("no server configured (--server or PAIRCHAT_SERVER)")
		}
		remote = newAPIClient(server, viper.GetString(participantKey))
		return nil
	},
}

func main() {
	if len(os.Args) > 1 {
		if err := rootCmd.Execute(); err != nil {
			os.Exit(1)
		}
		return
	}
	repl()
}

// repl runs commands read from stdin until "exit" or EOF.
func repl() {
	fmt.Println("entering interactive mode, type 'exit' to quit")
	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Print("> ")
		line, err := reader.ReadString('\n')
		line = strings.TrimSpace(line)
		if line == "exit" || line == "quit" {
			return
		}
		if line != "" {
			args, perr := shellwords.Parse(line)
			if perr != nil {
				fmt.Fprintln(os.Stderr, perr)
				continue
			}
			rootCmd.SetArgs(args)
			// Errors are printed by cobra; the prompt keeps going.
			_ = rootCmd.Execute()
		}
		if err != nil {
			return
		}
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.chatctl.yaml)")
	rootCmd.PersistentFlags().String("server", "http://localhost:8080", "pairchat server base URL")
	rootCmd.PersistentFlags().String("as", "", "participant handle to act as")

	viper.BindPFlag(serverKey, rootCmd.PersistentFlags().Lookup("server"))
	viper.BindPFlag(participantKey, rootCmd.PersistentFlags().Lookup("as"))
	viper.SetDefault(serverKey, "http://localhost:8080")
}

// initConfig reads in config file and PAIRCHAT_* environment variables.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".chatctl")
	}

	viper.SetEnvPrefix("pairchat")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintln(os.Stderr, "Error reading config file:", err)
		}
	}
}

// me returns the configured participant or an error naming the flag.
func me() (string, error) {
	p := viper.GetString(participantKey)
	if p == "" {
		return "", fmt.Errorf("no participant configured (--as or PAIRCHAT_PARTICIPANT)")
	}
	return p, nil
}
