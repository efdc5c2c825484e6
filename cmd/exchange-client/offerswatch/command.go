package offerswatch

import (
	"github.com/spf13/cobra"

	"github.com/p2pdesk/exchange-client/internal/business"
	"github.com/p2pdesk/exchange-client/internal/cmdutils"
)

func Cmd(buildInfo string) *cobra.Command {
	return cmdutils.CobraCommand(
		"offers-watch",
		"Follow the offer book",
		"Loads the offers matching the configured filter and applies live updates until interrupted",
		buildInfo,
		cmdutils.RunAsWatcher,
		business.OffersWatchMain,
	)
}
