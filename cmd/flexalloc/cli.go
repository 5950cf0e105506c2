package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/flexalloc/flexalloc/pkg/elog"
)

var log elog.View

var (
	flagVerbose bool
	flagDebug   bool
	flagJSON    bool
)

var rootCmd = &cobra.Command{
	Use:   "flexalloc",
	Short: "flexalloc allocator command-line interface",
	Long: `flexalloc's command-line interface formats and inspects raw block
devices laid out with the flexalloc object-storage allocator.`,
}

func commandInit() {
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVarP(&flagDebug, "debug", "d", false, "enable debug output")
	rootCmd.PersistentFlags().BoolVarP(&flagJSON, "json", "j", false, "enable json output")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		logger := &elog.CLI{}

		if flagJSON {
			logger.DisableTTY = true
			logrus.SetFormatter(&logrus.JSONFormatter{})
		} else {
			logrus.SetFormatter(logger)
		}
		logrus.SetLevel(logrus.TraceLevel)

		if flagDebug {
			logger.IsDebug = true
			logger.IsVerbose = true
		} else if flagVerbose {
			logger.IsVerbose = true
		}

		log = logger

		if err := loadOperatorDefaults(); err != nil {
			log.Warnf("operator config: %v", err)
		}
		return nil
	}

	rootCmd.AddCommand(mkfsCmd)
	rootCmd.AddCommand(inspectCmd)
}
