package main

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

func main() {
	cmd, err := NewCommand(viper.New(), NewLauncher(os.Stdout, os.Stderr))
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := cmd.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
