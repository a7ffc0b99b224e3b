package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/mikeyg42/anomalycam/internal/speech"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List microphones available for speech monitoring",
	RunE: func(cmd *cobra.Command, args []string) error {
		mics := speech.ListMicrophones()
		if mics == nil {
			mics = []speech.Device{}
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"microphones": mics})
	},
}
