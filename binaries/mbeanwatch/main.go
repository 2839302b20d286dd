package main

import (
	log "github.com/sirupsen/logrus"

	"github.com/twitter/mbeanwatch/cli"
	"github.com/twitter/mbeanwatch/common/log/hooks"
)

func main() {
	log.AddHook(hooks.NewContextHook())
	if err := cli.NewClient().Exec(); err != nil {
		log.Fatal(err)
	}
}
