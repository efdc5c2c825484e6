package orderwatch

import (
	"github.com/spf13/cobra"

	"github.com/p2pdesk/exchange-client/internal/business"
	"github.com/p2pdesk/exchange-client/internal/cmdutils"
)

func Cmd(buildInfo string) *cobra.Command {
	return cmdutils.CobraCommand(
		"order-watch",
		"Follow one order",
		"Opens the configured order, or a new one against the configured offer, and follows its chat and status until interrupted",
		buildInfo,
		cmdutils.RunAsWatcher,
		business.OrderWatchMain,
	)
}
