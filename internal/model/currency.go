package model

// Currency 支持的支付币种
type Currency string

const (
	CurrencyETH       Currency = "ETH"
	CurrencyUSDTERC20 Currency = "USDT_ERC20"
	CurrencyUSDCERC20 Currency = "USDC_ERC20"
	CurrencyBTC       Currency = "BTC"
	CurrencyUSDTTRC20 Currency = "USDT_TRC20"
)

// 地址格式族
const (
	NetworkEthereum = "ethereum"
	NetworkBitcoin  = "bitcoin"
	NetworkTron     = "tron"
)

// BIP-44 coin type
const (
	CoinTypeBitcoin  uint32 = 0
	CoinTypeEthereum uint32 = 60
	CoinTypeTron     uint32 = 195
)

// CurrencySpec 币种参数
type CurrencySpec struct {
	Network       string
	CoinType      uint32
	Confirmations int
}

var currencySpecs = map[Currency]CurrencySpec{
	CurrencyETH:       {Network: NetworkEthereum, CoinType: CoinTypeEthereum, Confirmations: 12},
	CurrencyUSDTERC20: {Network: NetworkEthereum, CoinType: CoinTypeEthereum, Confirmations: 12},
	CurrencyUSDCERC20: {Network: NetworkEthereum, CoinType: CoinTypeEthereum, Confirmations: 12},
	CurrencyBTC:       {Network: NetworkBitcoin, CoinType: CoinTypeBitcoin, Confirmations: 3},
	CurrencyUSDTTRC20: {Network: NetworkTron, CoinType: CoinTypeTron, Confirmations: 19},
}

// Spec 返回币种参数
func (c Currency) Spec() (CurrencySpec, bool) {
	spec, ok := currencySpecs[c]
	return spec, ok
}

// IsSupported 是否为支持的币种
func (c Currency) IsSupported() bool {
	_, ok := currencySpecs[c]
	return ok
}

// RequiredConfirmations 入账所需确认数，不支持的币种返回 0
func (c Currency) RequiredConfirmations() int {
	return currencySpecs[c].Confirmations
}

// SupportedCurrencies 所有支持的币种
func SupportedCurrencies() []Currency {
	return []Currency{CurrencyETH, CurrencyUSDTERC20, CurrencyUSDCERC20, CurrencyBTC, CurrencyUSDTTRC20}
}
