// Tlfix is a CLI utility that recovers broken timelapse recordings.
package main

import (
	"log"

	"tlfix"
)

func main() {
	if err := tlfix.Run(); err != nil {
		log.Fatal(err)
	}
}
