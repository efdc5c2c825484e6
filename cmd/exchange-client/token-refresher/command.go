package tokenrefresh

import (
	"github.com/spf13/cobra"

	"github.com/p2pdesk/exchange-client/internal/business"
	"github.com/p2pdesk/exchange-client/internal/cmdutils"
)

func Cmd(buildInfo string) *cobra.Command {
	return cmdutils.CobraCommand(
		"token-refresher",
		"Exchange Client Token Refresh job",
		"Exchange Client Token Refresh job renews access tokens before they expire",
		buildInfo,
		cmdutils.RunAsService,
		business.TokenRefresherMain,
	)
}
