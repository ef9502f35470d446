package cli

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"funding-rate-arbiter/internal/app"
)

var (
	simulateInstrument string
	simulateRateA      float64
	simulateRateB      float64
	simulateMark       float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "模拟一次跨所费率差并触发告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateInstrument == "" {
			return errors.New("--instrument 必须配置")
		}

		opts := app.SimulateOptions{
			Instrument: simulateInstrument,
			RateA:      decimal.NewFromFloat(simulateRateA),
			RateB:      decimal.NewFromFloat(simulateRateB),
			MarkPrice:  decimal.NewFromFloat(simulateMark),
		}
		return getApp().SimulateAlert(cmd.Context(), opts)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateInstrument, "instrument", "BTCUSDT", "合约标的")
	simulateCmd.Flags().Float64Var(&simulateRateA, "rate-a", 0.002, "A 所资金费率")
	simulateCmd.Flags().Float64Var(&simulateRateB, "rate-b", -0.002, "B 所资金费率")
	simulateCmd.Flags().Float64Var(&simulateMark, "mark", 0, "标记价格，默认 100")
}
