package cmd

import (
	"fmt"
)

const banner = `
   _____           _              _
  / ____|         | |            | |
 | |     ___ _ __ | |_ __ _  __ _| |_ ___
 | |    / _ \ '__|| __/ _` + "`" + ` |/ _` + "`" + ` | __/ _ \
 | |___|  __/ |   | || (_| | (_| | ||  __/
  \_____\___|_|    \__\__, |\__,_|\__\___|
                       __/ |
                      |___/
`

func printBanner() {
	fmt.Printf("\x1b[34m%s\x1b[0m", banner)
	fmt.Printf("\x1b[32m  Device Certificate Authority - Version %s\x1b[0m\n\n", Version)
}
