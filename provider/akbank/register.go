package akbank

import "github.com/odeapay/vpos/provider"

func init() {
	provider.Register("akbank", NewProvider)
}
