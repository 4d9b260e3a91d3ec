package main

import (
	"go-remote-download/cmd/remote-downloader/cmd"
)

func main() {
	cmd.Execute()
}
