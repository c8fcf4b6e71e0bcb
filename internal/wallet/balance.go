package wallet

// Balance tracks the wallet's unspent value.
type Balance struct {
	Confirmed   uint64 `json:"confirmed"`
	Unconfirmed uint64 `json:"unconfirmed"`
}

// Total returns confirmed plus unconfirmed value.
func (b Balance) Total() uint64 {
	return b.Confirmed + b.Unconfirmed
}
