package main

import (
	"fmt"
	"os"

	playbacktool "gatewaybot/botd/tools/playback"
)

func main() {
	if err := playbacktool.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "playback: %v\n", err)
		os.Exit(1)
	}
}
