package main

import (
	"fmt"
	"os"

	"github.com/mjl-/sconf"

	"github.com/courier-mta/courier/config"
	"github.com/courier-mta/courier/courier-"
)

func cmdConfigTest(c *cmd) {
	c.help = `Parse and validate the configuration file.

Also loads the webhook signing and fallback DKIM keys it references. Prints
"config OK" and exits 0 when the file is valid.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	err := courier.LoadConfig(c.log, courier.ConfigFile)
	xcheckf(err, "checking config file %q", courier.ConfigFile)
	fmt.Println("config OK")
}

func cmdConfigDescribe(c *cmd) {
	c.help = "Print an annotated example configuration file."
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	var sc config.Static
	err := sconf.Describe(os.Stdout, &sc)
	xcheckf(err, "describing config")
}
