package isbank

import "github.com/odeapay/vpos/provider"

func init() {
	provider.Register("isbank", NewProvider)
}
