package garanti

import "github.com/odeapay/vpos/provider"

func init() {
	provider.Register("garanti", NewProvider)
}
