// Package builtin registers every capability family shipped with the agent.
package builtin

import (
	"fmt"

	"gitlab.com/tinyland/lab/trackit/pkg/collectors"
	"gitlab.com/tinyland/lab/trackit/pkg/collectors/hardware"
	"gitlab.com/tinyland/lab/trackit/pkg/collectors/network"
	"gitlab.com/tinyland/lab/trackit/pkg/collectors/other"
	"gitlab.com/tinyland/lab/trackit/pkg/collectors/security"
	"gitlab.com/tinyland/lab/trackit/pkg/collectors/software"
	"gitlab.com/tinyland/lab/trackit/pkg/collectors/user"
)

var families = []struct {
	family   collectors.Family
	register func(*collectors.Registry, collectors.Env) error
}{
	{collectors.FamilyHardware, hardware.Register},
	{collectors.FamilySoftware, software.Register},
	{collectors.FamilyNetwork, network.Register},
	{collectors.FamilySecurity, security.Register},
	{collectors.FamilyUser, user.Register},
	{collectors.FamilyOther, other.Register},
}

// Register adds all capability families to reg.
func Register(reg *collectors.Registry, env collectors.Env) error {
	env = env.WithDefaults()
	for _, f := range families {
		if err := f.register(reg, env); err != nil {
			return fmt.Errorf("register %s capabilities: %w", f.family, err)
		}
	}
	return nil
}
