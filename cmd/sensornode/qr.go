package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"
)

var qrPNG string

var qrCmd = &cobra.Command{
	Use:   "qr",
	Short: "Print a QR code that joins the setup access point",
	Long: `QR renders the Wi-Fi join code of the open setup access point, for
printing on the device label. With --png the code is written as an image.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		code, err := qrcode.New(wifiJoinString(cfg.Node.APSSID), qrcode.Medium)
		if err != nil {
			return fmt.Errorf("encoding QR code: %w", err)
		}

		if qrPNG != "" {
			png, err := code.PNG(256)
			if err != nil {
				return err
			}
			return os.WriteFile(qrPNG, png, 0o644)
		}
		fmt.Fprint(cmd.OutOrStdout(), code.ToSmallString(false))
		return nil
	},
}

func init() {
	qrCmd.Flags().StringVar(&qrPNG, "png", "", "write the code to this PNG file")
	rootCmd.AddCommand(qrCmd)
}

// wifiJoinString is the WIFI: URI understood by phone cameras for an open network.
func wifiJoinString(ssid string) string {
	escape := strings.NewReplacer(`\`, `\\`, `;`, `\;`, `,`, `\,`, `:`, `\:`, `"`, `\"`)
	return "WIFI:T:nopass;S:" + escape.Replace(ssid) + ";;"
}
