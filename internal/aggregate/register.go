package aggregate

import (
	"time"

	"github.com/transfa/payment-service/internal/command"
	"github.com/transfa/payment-service/internal/domain"
)

// Register binds every command type to its aggregate decider.
func Register(gw *command.Gateway, now func() time.Time) error {
	member := NewMemberDecider(now)
	order := NewOrderDecider(now)

	routes := map[domain.CommandType]command.Decider{
		domain.CmdCreateMember:             member,
		domain.CmdCreateCharge:             member,
		domain.CmdChargeCompleted:          member,
		domain.CmdChargeFailed:             member,
		domain.CmdCreatePayout:             member,
		domain.CmdPayoutCompleted:          member,
		domain.CmdPayoutFailed:             member,
		domain.CmdUpdateTrustlyAccount:     member,
		domain.CmdUpdateAdyenPayoutAccount: member,
		domain.CmdCreatePayoutOrder:        order,
		domain.CmdAssignProviderOrderID:    order,
		domain.CmdConfirmPayoutOrder:       order,
	}
	for commandType, decider := range routes {
		if err := gw.Register(commandType, decider); err != nil {
			return err
		}
	}
	return nil
}
