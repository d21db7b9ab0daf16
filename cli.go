package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	cfgFile   string
	logLevel  string
	logger    *zap.Logger
	appConfig *Config
)

// rootCmd 根命令
var rootCmd = &cobra.Command{
	Use:   "knxsim",
	Short: "KNX 匯流排裝置模擬器",
	Long: `以 TP1 報文收發通訊物件的 KNX 裝置執行環境。
支援編程協議 (個別位址、參數、物件位址)、虛擬匯流排與 Modbus 閘道。`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error

		// 載入配置 (除了 version、help 和 generate 命令)
		appConfig = DefaultConfig()
		var cfgErr error
		if cmd.Name() != "version" && cmd.Name() != "help" && cmd.Name() != "generate" {
			if cfg, err := LoadConfig(cfgFile); err != nil {
				cfgErr = err
			} else {
				appConfig = cfg
			}
		}
		if logLevel != "" {
			appConfig.Logging.Level = logLevel
		}

		// 初始化日誌
		logger, err = initLogger(appConfig.Logging)
		if err != nil {
			return fmt.Errorf("初始化日誌失敗: %w", err)
		}
		if cfgErr != nil {
			// 配置載入失敗時使用預設值
			logger.Warn("載入配置檔失敗，使用預設配置", zap.Error(cfgErr))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// startCmd 啟動命令
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "啟動裝置",
	Long:  "載入 NVM、連線收發器並開始執行裝置 tick 迴圈。",
	RunE: func(cmd *cobra.Command, args []string) error {
		// 覆蓋 CLI 參數
		if t, _ := cmd.Flags().GetString("transceiver"); t != "" {
			appConfig.Transceiver.Type = t
		}
		if u, _ := cmd.Flags().GetString("url"); u != "" {
			appConfig.Transceiver.URL = u
		}
		if p, _ := cmd.Flags().GetString("serial"); p != "" {
			appConfig.Transceiver.Type = "serial"
			appConfig.Transceiver.Port = p
		}
		if cmd.Flags().Changed("gateway") {
			appConfig.Gateway.Enabled, _ = cmd.Flags().GetBool("gateway")
		}
		if s, _ := cmd.Flags().GetString("scenario"); s != "" {
			appConfig.Scenario.Name = s
		}
		if err := appConfig.Validate(); err != nil {
			return err
		}

		logger.Info("啟動 KNX 裝置",
			zap.String("transceiver", appConfig.Transceiver.Type),
			zap.Int("objects", len(appConfig.Device.Objects)),
			zap.Int("params", len(appConfig.Device.Params)),
		)

		// 建立引擎
		engine := NewEngine(appConfig, logger)

		// 設置優雅關閉
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

		// 啟動引擎
		if err := engine.Start(ctx); err != nil {
			return fmt.Errorf("啟動引擎失敗: %w", err)
		}

		// 啟動指標收集器
		var metrics *MetricsCollector
		if appConfig.Metrics.Enabled {
			metrics = NewMetricsCollector(engine, logger.Named("metrics"))
			if err := metrics.Start(ctx, appConfig.Metrics.Endpoint, appConfig.Metrics.Port); err != nil {
				logger.Warn("啟動指標伺服器失敗", zap.Error(err))
			}
		}

		// 等待信號
		sig := <-sigChan
		logger.Info("收到關閉信號", zap.String("signal", sig.String()))

		// 優雅關閉
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), appConfig.Runtime.GracefulTimeout)
		defer shutdownCancel()

		if metrics != nil {
			_ = metrics.Stop(shutdownCtx)
		}
		if err := engine.Stop(shutdownCtx); err != nil {
			logger.Error("關閉引擎失敗", zap.Error(err))
			return err
		}

		logger.Info("裝置已停止")
		return nil
	},
}

// busCmd 虛擬匯流排命令組
var busCmd = &cobra.Command{
	Use:   "bus",
	Short: "虛擬匯流排命令",
	Long:  "以 WebSocket 轉發 TP1 報文的虛擬匯流排。",
}

// busServeCmd 啟動虛擬匯流排
var busServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "啟動虛擬匯流排",
	RunE: func(cmd *cobra.Command, args []string) error {
		if l, _ := cmd.Flags().GetString("listen"); l != "" {
			appConfig.Bus.Listen = l
		}

		hub := NewBusHub(logger.Named("bus"))
		errCh := make(chan error, 1)
		go func() {
			errCh <- hub.ListenAndServe(appConfig.Bus.Listen, appConfig.Bus.Path)
		}()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

		select {
		case err := <-errCh:
			return err
		case sig := <-sigChan:
			logger.Info("收到關閉信號", zap.String("signal", sig.String()))
		}

		ctx, cancel := context.WithTimeout(context.Background(), appConfig.Runtime.GracefulTimeout)
		defer cancel()
		return hub.Shutdown(ctx)
	},
}

// dptCmd DPT 編解碼命令組
var dptCmd = &cobra.Command{
	Use:   "dpt",
	Short: "資料點類型編解碼",
}

// dptEncodeCmd 編碼
var dptEncodeCmd = &cobra.Command{
	Use:   "encode [dpt] [value]",
	Short: "將數值編碼為物件位元組",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := dptFormat(args[0])
		if err != nil {
			return err
		}
		v, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return fmt.Errorf("無效的數值: %w", err)
		}
		raw, err := Encode(v, f)
		if err != nil {
			return err
		}
		fmt.Printf("%s (%s): % X\n", args[0], f, raw)
		return nil
	},
}

// dptDecodeCmd 解碼
var dptDecodeCmd = &cobra.Command{
	Use:   "decode [dpt] [hex]",
	Short: "將物件位元組解碼為數值",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := dptFormat(args[0])
		if err != nil {
			return err
		}
		raw, err := parseHexBytes(args[1])
		if err != nil {
			return err
		}
		v, err := Decode(raw, f)
		if err != nil {
			return err
		}
		fmt.Printf("%s (%s): %g\n", args[0], f, v)
		return nil
	},
}

func dptFormat(s string) (Format, error) {
	d, err := ParseDPT(s)
	if err != nil {
		return 0, err
	}
	return d.Format()
}

// scenarioCmd 場景命令組
var scenarioCmd = &cobra.Command{
	Use:   "scenario",
	Short: "場景管理命令",
	Long:  "管理模擬場景。",
}

// scenarioListCmd 列出場景
var scenarioListCmd = &cobra.Command{
	Use:   "list",
	Short: "列出可用場景",
	Run: func(cmd *cobra.Command, args []string) {
		descriptions := map[ScenarioType]string{
			ScenarioIdle:   "不主動更新物件",
			ScenarioSensor: "週期性寫入 base±variance 到可傳送的數值物件",
			ScenarioToggle: "週期性翻轉可傳送的開關物件",
		}

		fmt.Println("可用的模擬場景:")
		for _, t := range ListScenarioTypes() {
			fmt.Printf("  %-10s %s\n", t, descriptions[t])
		}
	},
}

// configCmd 配置命令組
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "配置管理命令",
	Long:  "管理配置檔。",
}

// configValidateCmd 驗證配置
var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "驗證配置檔",
	Long:  "驗證指定的配置檔是否有效。",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadConfig(cfgFile)
		if err != nil {
			return fmt.Errorf("配置驗證失敗: %w", err)
		}

		fmt.Println("配置驗證通過")
		fmt.Printf("  Manufacturer: 0x%04X\n", cfg.Device.Manufacturer)
		fmt.Printf("  Objects: %d\n", len(cfg.Device.Objects))
		fmt.Printf("  Params: %d\n", len(cfg.Device.Params))
		fmt.Printf("  Transceiver: %s\n", cfg.Transceiver.Type)
		fmt.Printf("  Storage: %s\n", cfg.Storage.Type)
		return nil
	},
}

// configGenerateCmd 生成配置
var configGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "生成範例配置",
	Long:  "生成範例配置檔。",
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		if output == "" {
			output = "config.yaml"
		}

		if err := DefaultConfig().SaveConfig(output); err != nil {
			return fmt.Errorf("生成配置失敗: %w", err)
		}

		fmt.Printf("範例配置已生成: %s\n", output)
		return nil
	},
}

// versionCmd 版本命令
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "顯示版本資訊",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("knxsim version %s\n", Version)
		fmt.Printf("  Build: %s\n", BuildTime)
		fmt.Printf("  Commit: %s\n", GitCommit)
	},
}

func init() {
	// 全域 flags
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "配置檔路徑")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "日誌等級 (debug, info, warn, error)")

	// start 命令 flags
	startCmd.Flags().StringP("transceiver", "t", "", "收發器類型 (loopback, serial, websocket)")
	startCmd.Flags().String("url", "", "虛擬匯流排 URL")
	startCmd.Flags().String("serial", "", "串列埠路徑")
	startCmd.Flags().Bool("gateway", false, "啟用 Modbus 閘道")
	startCmd.Flags().String("scenario", "", "模擬場景")

	// bus 命令 flags
	busServeCmd.Flags().StringP("listen", "l", "", "監聽位址")

	// config 命令 flags
	configGenerateCmd.Flags().StringP("output", "o", "config.yaml", "輸出檔案路徑")

	// 組裝命令樹
	busCmd.AddCommand(busServeCmd)
	dptCmd.AddCommand(dptEncodeCmd, dptDecodeCmd)
	scenarioCmd.AddCommand(scenarioListCmd)
	configCmd.AddCommand(configValidateCmd, configGenerateCmd)

	rootCmd.AddCommand(
		startCmd,
		busCmd,
		progCmd,
		eepromCmd,
		dptCmd,
		scenarioCmd,
		configCmd,
		versionCmd,
	)
}

func initLogger(cfg LoggingConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		zcfg.Level = level
	}
	output := cfg.OutputPath
	if output == "" {
		output = "stdout"
	}
	zcfg.OutputPaths = []string{output}
	zcfg.ErrorOutputPaths = []string{"stderr"}
	return zcfg.Build()
}

// Execute 執行 CLI
func Execute() error {
	return rootCmd.Execute()
}
