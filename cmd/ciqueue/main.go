package main

import (
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/figma/ci-queue/cmd/ciqueue/cmd"
)

func main() {
	if err := cmd.RootCmd().Execute(); err != nil {
		log.WithError(err).Error("ciqueue exited with an error")
		os.Exit(1)
	}
}
