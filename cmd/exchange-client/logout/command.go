package logout

import (
	"github.com/spf13/cobra"

	"github.com/p2pdesk/exchange-client/internal/business"
	"github.com/p2pdesk/exchange-client/internal/cmdutils"
)

func Cmd(buildInfo string) *cobra.Command {
	return cmdutils.CobraCommand(
		"logout",
		"Sign out of the exchange",
		"Ends the session on the server and clears the stored credentials",
		buildInfo,
		cmdutils.RunAsJob,
		business.LogoutMain,
	)
}
