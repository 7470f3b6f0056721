package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vesper-app/vesper/core/models"
	"github.com/vesper-app/vesper/core/utils"
)

var (
	// Build information
	version   = "dev"
	buildTime = "unknown"

	// Global flags
	cfgFile string
	verbose bool
	config  *models.Config
	logger  utils.Logger
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "vesper",
	Short: "Vesper SSH tunnel manager backend",
	Long: `Vesper is the backend of a desktop SSH port-forwarding manager:

• Named SSH endpoints with password or key authentication
• Local (-L) and remote (-R) port forwarding rules
• Keepalive watchdog with automatic reconnection
• Catalog persisted as a single JSON document

Examples:
  vesper serve
  vesper test user@example.com -p 2222 --password
  vesper version`,
	PersistentPreRunE: initializeConfig,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

// SetBuildInfo sets build information
func SetBuildInfo(v, bt string) {
	version = v
	buildTime = bt
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is default.yaml in ., ./configs, $HOME/.vesper or /etc/vesper)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	// Version command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Vesper SSH Tunnel Manager\n")
			fmt.Printf("Version: %s\n", version)
			fmt.Printf("Built: %s\n", buildTime)
		},
	})
}

// initConfig reads in config file and ENV variables
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Search for config in working directory and config paths
		viper.AddConfigPath(".")
		viper.AddConfigPath("./configs")
		viper.AddConfigPath("$HOME/.vesper")
		viper.AddConfigPath("/etc/vesper")
		viper.SetConfigName("default")
		viper.SetConfigType("yaml")
	}

	// Environment variables
	viper.SetEnvPrefix("VESPER")
	viper.AutomaticEnv()

	// Read config file
	if err := viper.ReadInConfig(); err != nil {
		// If config file not found, use defaults
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
			os.Exit(1)
		}
	}
}

// initializeConfig initializes configuration and logger
func initializeConfig(cmd *cobra.Command, args []string) error {
	// Load configuration
	config = models.DefaultConfig()
	if err := viper.Unmarshal(config); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Override log level if verbose flag is set
	if verbose {
		config.Logging.Level = "debug"
	}

	loggerConfig := utils.LoggerConfig{
		Level:      config.Logging.Level,
		Format:     config.Logging.Format,
		Output:     config.Logging.Output,
		MaxSize:    config.Logging.MaxSize,
		MaxBackups: config.Logging.MaxBackups,
		MaxAge:     config.Logging.MaxAge,
		Compress:   config.Logging.Compress,
	}

	var err error
	logger, err = utils.NewLogger(loggerConfig)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	return nil
}
