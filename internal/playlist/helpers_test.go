package playlist

import "github.com/tvmux/tvmux/internal/config"

func userCfg() config.UserConfig {
	return config.UserConfig{}
}
