package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zhouzirui/zhipu-toolkit/internal/config"
)

var (
	configFile string
	v          = viper.New()
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "zhipu-bot",
	Short:         "智谱 AI 聊天机器人后端",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(v, configFile)
		if err != nil {
			return err
		}
		cfg = loaded
		initLogger(cfg.Log)
		if used := v.ConfigFileUsed(); used != "" {
			log.Debug().Str("file", used).Msg("config loaded")
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "配置文件路径，默认读取 ./config.yaml")
	rootCmd.AddCommand(newServeCommand(), newSessionsCommand(), newAskCommand())
}

func initLogger(c config.LogConfig) {
	level, err := zerolog.ParseLevel(c.Level)
	if err != nil || c.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if c.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
		return
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.DateTime})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}
