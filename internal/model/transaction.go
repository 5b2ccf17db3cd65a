package model

import "github.com/shopspring/decimal"

// TxKind tags the concrete type of a Transaction.
type TxKind string

const (
	KindMarket       TxKind = "MARKET"
	KindTariff       TxKind = "TARIFF"
	KindDistribution TxKind = "DISTRIBUTION"
	KindBalancing    TxKind = "BALANCING"
	KindCapacity     TxKind = "CAPACITY"
	KindBank         TxKind = "BANK"
)

// Transaction is one financial event owned by a broker. Charges follow a
// single sign convention throughout the engine: the charge is the delta
// applied to the broker's cash, so a negative charge is a debit.
//
// The set of implementations is closed; consumers switch on the concrete
// type.
type Transaction interface {
	Message
	Kind() TxKind
	Header() *TxBase
	// Cash is the amount the transaction adds to the owner's balance when
	// it is settled.
	Cash() decimal.Decimal
}

// TxBase holds the fields common to every transaction.
type TxBase struct {
	ID             int64   `json:"id"`
	Broker         *Broker `json:"broker"`
	PostedTimeslot int     `json:"posted_timeslot"`
}

// Header returns the common fields.
func (t *TxBase) Header() *TxBase { return t }

// MarketTransaction records energy bought or sold in the wholesale market
// for a future timeslot. Buyers carry positive MWh and a negative price,
// sellers negative MWh and a positive price.
type MarketTransaction struct {
	TxBase
	Timeslot int             `json:"timeslot"`
	MWh      decimal.Decimal `json:"mwh"`
	Price    decimal.Decimal `json:"price"`
}

func (*MarketTransaction) Kind() TxKind        { return KindMarket }
func (*MarketTransaction) MessageType() string { return "MarketTransaction" }

// Cash is price times the absolute traded volume.
func (t *MarketTransaction) Cash() decimal.Decimal {
	return t.Price.Mul(t.MWh.Abs())
}

// TariffTxType distinguishes the events recorded against a tariff.
type TariffTxType string

const (
	TxPublish  TariffTxType = "PUBLISH"
	TxRevoke   TariffTxType = "REVOKE"
	TxSignup   TariffTxType = "SIGNUP"
	TxWithdraw TariffTxType = "WITHDRAW"
	TxConsume  TariffTxType = "CONSUME"
	TxProduce  TariffTxType = "PRODUCE"
	TxPeriodic TariffTxType = "PERIODIC"
	TxRefund   TariffTxType = "REFUND"
)

// TariffTransaction records fees, subscriptions and energy usage under a
// tariff.
type TariffTransaction struct {
	TxBase
	TxType        TariffTxType    `json:"tx_type"`
	TariffID      string          `json:"tariff_id"`
	Customer      *Customer       `json:"customer,omitempty"`
	CustomerCount int             `json:"customer_count"`
	KWh           decimal.Decimal `json:"kwh"`
	Charge        decimal.Decimal `json:"charge"`
	Regulation    bool            `json:"regulation,omitempty"`
}

func (*TariffTransaction) Kind() TxKind            { return KindTariff }
func (*TariffTransaction) MessageType() string     { return "TariffTransaction" }
func (t *TariffTransaction) Cash() decimal.Decimal { return t.Charge }

// DistributionTransaction is the grid usage fee for a broker's net load.
type DistributionTransaction struct {
	TxBase
	SmallCustomers int             `json:"small_customers"`
	LargeCustomers int             `json:"large_customers"`
	KWh            decimal.Decimal `json:"kwh"`
	Charge         decimal.Decimal `json:"charge"`
}

func (*DistributionTransaction) Kind() TxKind            { return KindDistribution }
func (*DistributionTransaction) MessageType() string     { return "DistributionTransaction" }
func (t *DistributionTransaction) Cash() decimal.Decimal { return t.Charge }

// BalancingTransaction settles a broker's imbalance.
type BalancingTransaction struct {
	TxBase
	KWh    decimal.Decimal `json:"kwh"`
	Charge decimal.Decimal `json:"charge"`
}

func (*BalancingTransaction) Kind() TxKind            { return KindBalancing }
func (*BalancingTransaction) MessageType() string     { return "BalancingTransaction" }
func (t *BalancingTransaction) Cash() decimal.Decimal { return t.Charge }

// CapacityTransaction is a peak-demand charge assessed against a broker.
type CapacityTransaction struct {
	TxBase
	PeakTimeslot int             `json:"peak_timeslot"`
	Threshold    decimal.Decimal `json:"threshold"`
	KWh          decimal.Decimal `json:"kwh"`
	Charge       decimal.Decimal `json:"charge"`
}

func (*CapacityTransaction) Kind() TxKind            { return KindCapacity }
func (*CapacityTransaction) MessageType() string     { return "CapacityTransaction" }
func (t *CapacityTransaction) Cash() decimal.Decimal { return t.Charge }

// BankTransaction is daily interest. Only the ledger creates these.
type BankTransaction struct {
	TxBase
	Amount decimal.Decimal `json:"amount"`
}

func (*BankTransaction) Kind() TxKind            { return KindBank }
func (*BankTransaction) MessageType() string     { return "BankTransaction" }
func (t *BankTransaction) Cash() decimal.Decimal { return t.Amount }
