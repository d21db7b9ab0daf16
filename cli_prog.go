package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// progCmd 編程工具命令組
var progCmd = &cobra.Command{
	Use:   "prog",
	Short: "編程工具",
	Long:  "透過虛擬匯流排或串列埠對裝置的編程物件發送請求。",
}

// withProgClient 建立連線並在逾時 context 內執行 fn
func withProgClient(cmd *cobra.Command, fn func(ctx context.Context, c *ProgClient) error) error {
	url, _ := cmd.Flags().GetString("url")
	port, _ := cmd.Flags().GetString("serial")
	baud, _ := cmd.Flags().GetInt("baud")
	source, _ := cmd.Flags().GetString("source")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	src, err := ParseIndividualAddress(source)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var conn Connection
	if port != "" {
		conn, err = OpenSerialConnection(port, baud)
	} else {
		if url == "" {
			url = appConfig.Transceiver.URL
		}
		conn, err = DialWebSocketConnection(ctx, url)
	}
	if err != nil {
		return err
	}

	client := NewProgClient(conn, src, logger.Named("prog"))
	defer client.Close()
	return fn(ctx, client)
}

func progIA(cmd *cobra.Command) (uint16, error) {
	s, _ := cmd.Flags().GetString("ia")
	return ParseIndividualAddress(s)
}

// progInfoCmd 讀取裝置資訊
var progInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "讀取裝置資訊",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withProgClient(cmd, func(ctx context.Context, c *ProgClient) error {
			info, err := c.ReadDeviceInfo(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Manufacturer:       0x%04X\n", info.Manufacturer)
			fmt.Printf("Device ID:          0x%02X\n", info.DeviceID)
			fmt.Printf("Revision:           0x%02X\n", info.Revision)
			fmt.Printf("Flags:              0x%02X (factory=%t)\n", info.Flags, info.Factory())
			fmt.Printf("Individual address: %s\n", FormatIndividualAddress(info.IndividualAddress))
			return nil
		})
	},
}

// progModeCmd 讀取或切換編程模式
var progModeCmd = &cobra.Command{
	Use:   "mode [on|off]",
	Short: "讀取或切換編程模式",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withProgClient(cmd, func(ctx context.Context, c *ProgClient) error {
			if len(args) == 0 {
				ia, err := c.ReadProgrammingMode(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("編程模式中的裝置: %s\n", FormatIndividualAddress(ia))
				return nil
			}

			var on bool
			switch args[0] {
			case "on":
				on = true
			case "off":
			default:
				return fmt.Errorf("無效的模式: %q (請使用 on 或 off)", args[0])
			}
			ia, err := progIA(cmd)
			if err != nil {
				return err
			}
			if err := c.WriteProgrammingMode(ctx, ia, on); err != nil {
				return err
			}
			fmt.Printf("%s 編程模式: %s\n", FormatIndividualAddress(ia), args[0])
			return nil
		})
	},
}

// progRestartCmd 重新啟動裝置
var progRestartCmd = &cobra.Command{
	Use:   "restart",
	Short: "重新啟動裝置",
	RunE: func(cmd *cobra.Command, args []string) error {
		ia, err := progIA(cmd)
		if err != nil {
			return err
		}
		return withProgClient(cmd, func(ctx context.Context, c *ProgClient) error {
			if err := c.Restart(ctx, ia); err != nil {
				return err
			}
			fmt.Printf("已送出重新啟動要求: %s\n", FormatIndividualAddress(ia))
			return nil
		})
	},
}

// progWriteAddressCmd 寫入個別位址
var progWriteAddressCmd = &cobra.Command{
	Use:   "write-address [ia]",
	Short: "寫入編程模式中裝置的個別位址",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ia, err := ParseIndividualAddress(args[0])
		if err != nil {
			return err
		}
		return withProgClient(cmd, func(ctx context.Context, c *ProgClient) error {
			if err := c.WriteIndividualAddress(ctx, ia); err != nil {
				return err
			}
			fmt.Printf("個別位址已寫入: %s\n", FormatIndividualAddress(ia))
			return nil
		})
	},
}

// progReadAddressCmd 讀取個別位址
var progReadAddressCmd = &cobra.Command{
	Use:   "read-address",
	Short: "讀取個別位址",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withProgClient(cmd, func(ctx context.Context, c *ProgClient) error {
			ia, err := c.ReadIndividualAddress(ctx)
			if err != nil {
				return err
			}
			fmt.Println(FormatIndividualAddress(ia))
			return nil
		})
	},
}

// progWriteParamCmd 寫入參數
var progWriteParamCmd = &cobra.Command{
	Use:   "write-param [index] [hex]",
	Short: "寫入參數 (big-endian 十六進位)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		idx, err := strconv.ParseUint(args[0], 0, 8)
		if err != nil {
			return fmt.Errorf("無效的參數索引: %w", err)
		}
		value, err := parseHexBytes(args[1])
		if err != nil {
			return err
		}
		return withProgClient(cmd, func(ctx context.Context, c *ProgClient) error {
			if err := c.WriteParameter(ctx, uint8(idx), value); err != nil {
				return err
			}
			fmt.Printf("參數 %d 已寫入: % X\n", idx, value)
			return nil
		})
	},
}

// progReadParamCmd 讀取參數
var progReadParamCmd = &cobra.Command{
	Use:   "read-param [index]",
	Short: "讀取參數",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		idx, err := strconv.ParseUint(args[0], 0, 8)
		if err != nil {
			return fmt.Errorf("無效的參數索引: %w", err)
		}
		return withProgClient(cmd, func(ctx context.Context, c *ProgClient) error {
			value, err := c.ReadParameter(ctx, uint8(idx))
			if err != nil {
				return err
			}
			fmt.Printf("參數 %d: % X\n", idx, value)
			return nil
		})
	},
}

// progWriteObjectsCmd 寫入物件位址
var progWriteObjectsCmd = &cobra.Command{
	Use:   "write-objects [index=ga]...",
	Short: "寫入物件群組位址",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		entries := make([]ObjectAddress, 0, len(args))
		for _, arg := range args {
			e, err := parseObjectAddress(arg)
			if err != nil {
				return err
			}
			entries = append(entries, e)
		}
		return withProgClient(cmd, func(ctx context.Context, c *ProgClient) error {
			if err := c.WriteComObjects(ctx, entries); err != nil {
				return err
			}
			fmt.Printf("已寫入 %d 個物件位址\n", len(entries))
			return nil
		})
	},
}

// progReadObjectsCmd 讀取物件位址
var progReadObjectsCmd = &cobra.Command{
	Use:   "read-objects [index]...",
	Short: "讀取物件群組位址",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids := make([]uint8, 0, len(args))
		for _, arg := range args {
			id, err := strconv.ParseUint(arg, 0, 8)
			if err != nil {
				return fmt.Errorf("無效的物件編號 %q: %w", arg, err)
			}
			ids = append(ids, uint8(id))
		}
		return withProgClient(cmd, func(ctx context.Context, c *ProgClient) error {
			entries, err := c.ReadComObjects(ctx, ids)
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Printf("  %3d  %s\n", e.Index, FormatGroupAddress(e.Address))
			}
			return nil
		})
	},
}

// parseObjectAddress 解析 "index=main/mid/sub"
func parseObjectAddress(s string) (ObjectAddress, error) {
	idx, ga, ok := strings.Cut(s, "=")
	if !ok {
		return ObjectAddress{}, fmt.Errorf("無效的物件位址 %q (格式 index=ga)", s)
	}
	id, err := strconv.ParseUint(idx, 0, 8)
	if err != nil {
		return ObjectAddress{}, fmt.Errorf("無效的物件編號 %q: %w", idx, err)
	}
	addr, err := ParseGroupAddress(ga)
	if err != nil {
		return ObjectAddress{}, err
	}
	return ObjectAddress{Index: uint8(id), Address: addr}, nil
}

// parseHexBytes 解析十六進位字串，允許 0x 前綴與空白
func parseHexBytes(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	s = strings.NewReplacer(" ", "", ":", "").Replace(s)
	if len(s)%2 == 1 {
		s = "0" + s
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("無效的十六進位值: %w", err)
	}
	return b, nil
}

// eepromCmd NVM 映像命令組
var eepromCmd = &cobra.Command{
	Use:   "eeprom",
	Short: "NVM 映像命令",
	Long:  "檢視或清除檔案型 NVM 映像。",
}

func openFileStore(cmd *cobra.Command) (*FileStore, error) {
	if p, _ := cmd.Flags().GetString("path"); p != "" {
		appConfig.Storage.Path = p
	}
	if appConfig.Storage.Path == "" {
		return nil, fmt.Errorf("未指定 NVM 映像路徑")
	}
	return OpenFileStore(appConfig.Storage.Path, appConfig.Storage.Size)
}

// eepromDumpCmd 顯示映像內容
var eepromDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "顯示 NVM 映像內容",
	RunE: func(cmd *cobra.Command, args []string) error {
		fs, err := openFileStore(cmd)
		if err != nil {
			return err
		}
		spec, err := appConfig.DeviceSpec()
		if err != nil {
			return err
		}

		params := NewParameterStore(fs, spec.Params, paramTableStart(len(spec.Objects)+1), logger)
		flags := params.DeviceFlags()
		fmt.Printf("Path:   %s\n", fs.Path())
		fmt.Printf("Flags:  0x%02X (factory=%t)\n", flags, flags&DeviceFlagFactory != 0)
		fmt.Printf("IA:     %s\n", FormatIndividualAddress(params.LoadIndividualAddress()))
		for k := 1; k <= len(spec.Objects); k++ {
			fmt.Printf("Object %3d: %s\n", k, FormatGroupAddress(params.LoadObjectAddress(k)))
		}
		for i := 0; i < params.Count(); i++ {
			v, _ := params.Bytes(i)
			fmt.Printf("Param  %3d: % X\n", i, v)
		}

		if raw, _ := cmd.Flags().GetBool("raw"); raw {
			fmt.Println()
			fmt.Print(hex.Dump(fs.Dump()))
		}
		return nil
	},
}

// eepromResetCmd 清除映像回出廠狀態
var eepromResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "清除 NVM 映像 (回到出廠狀態)",
	RunE: func(cmd *cobra.Command, args []string) error {
		fs, err := openFileStore(cmd)
		if err != nil {
			return err
		}
		fs.Erase()
		if err := fs.Commit(); err != nil {
			return err
		}
		logger.Info("NVM 映像已清除", zap.String("path", fs.Path()))
		fmt.Printf("NVM 映像已清除: %s\n", fs.Path())
		return nil
	},
}

func init() {
	progCmd.PersistentFlags().String("url", "", "虛擬匯流排 URL (預設使用配置)")
	progCmd.PersistentFlags().String("serial", "", "串列埠路徑")
	progCmd.PersistentFlags().Int("baud", 19200, "串列埠鮑率")
	progCmd.PersistentFlags().String("source", "15.15.250", "工具的個別位址")
	progCmd.PersistentFlags().Duration("timeout", 3*time.Second, "等待回覆逾時")
	progModeCmd.Flags().String("ia", "1.1.254", "目標裝置個別位址")
	progRestartCmd.Flags().String("ia", "1.1.254", "目標裝置個別位址")

	eepromCmd.PersistentFlags().String("path", "", "NVM 映像路徑 (預設使用配置)")
	eepromDumpCmd.Flags().Bool("raw", false, "同時輸出十六進位內容")

	progCmd.AddCommand(
		progInfoCmd,
		progModeCmd,
		progRestartCmd,
		progWriteAddressCmd,
		progReadAddressCmd,
		progWriteParamCmd,
		progReadParamCmd,
		progWriteObjectsCmd,
		progReadObjectsCmd,
	)
	eepromCmd.AddCommand(eepromDumpCmd, eepromResetCmd)
}
