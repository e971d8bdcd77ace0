package globals

import "github.com/hashicorp/go-hclog"

var AppLogger = hclog.New(&hclog.LoggerOptions{
	Name:  "vaultroom",
	Level: hclog.LevelFromString("INFO"),
})
