package main

import "github.com/jmcleod/certgate/cmd/certgate/cmd"

func main() {
	cmd.Execute()
}
