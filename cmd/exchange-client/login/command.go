package login

import (
	"github.com/spf13/cobra"

	"github.com/p2pdesk/exchange-client/internal/business"
	"github.com/p2pdesk/exchange-client/internal/cmdutils"
)

func Cmd(buildInfo string) *cobra.Command {
	return cmdutils.CobraCommand(
		"login",
		"Sign in to the exchange",
		"Signs in with the configured account and stores the token pair",
		buildInfo,
		cmdutils.RunAsJob,
		business.LoginMain,
	)
}
