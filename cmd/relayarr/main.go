// relayarr is a live-stream relay: it shares one upstream fetch per stream
// among many downstream clients and manages the catalog the streams come
// from.
package main

import (
	"os"

	"github.com/jmylchreest/relayarr/cmd/relayarr/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
