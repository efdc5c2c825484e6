package inboxwatch

import (
	"github.com/spf13/cobra"

	"github.com/p2pdesk/exchange-client/internal/business"
	"github.com/p2pdesk/exchange-client/internal/cmdutils"
)

func Cmd(buildInfo string) *cobra.Command {
	return cmdutils.CobraCommand(
		"inbox-watch",
		"Follow the notification inbox",
		"Loads notifications and applies live updates until interrupted",
		buildInfo,
		cmdutils.RunAsWatcher,
		business.InboxWatchMain,
	)
}
