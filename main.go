// The main package for the stampcrawler executable.
package main

import (
	"github.com/JakeFAU/ekidata-stamp-crawler/cmd"
)

func main() {
	cmd.Execute()
}
