// Command diskvfs formats, inspects and serves ext4 and FAT disk images.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
