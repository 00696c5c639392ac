package main

import "github.com/Zephreo/status-updater/cmd"

func main() {
	cmd.Execute()
}
