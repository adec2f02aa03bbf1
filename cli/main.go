package main

import "southwinds.dev/securevault/cli/cmd"

func main() {
	cmd.Execute()
}
