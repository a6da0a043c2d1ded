// Package ons validates and tracks Oxen Name System records: names bought,
// renewed and updated by burning coins in ONS transactions.
package ons

import (
	"errors"
	"fmt"

	"github.com/x-vinnci/saferun-core-sub001/crypto"
	"github.com/x-vinnci/saferun-core-sub001/cryptonote"
	"github.com/x-vinnci/saferun-core-sub001/logging"
	"github.com/x-vinnci/saferun-core-sub001/protocol/params"
)

var log = logging.Category("ons")

// ErrInvalid is wrapped by every validation failure. The message carries
// the reason shown to the submitter.
var ErrInvalid = errors.New("invalid ONS transaction")

// MappingType is the kind of record a name maps to.
type MappingType uint16

const (
	Session MappingType = iota
	Wallet
	Lokinet
	Lokinet2Years
	Lokinet5Years
	Lokinet10Years
	mappingCount

	// UpdateRecordInternal prices an update, which burns nothing.
	UpdateRecordInternal MappingType = 0xffff
)

// RegistrationYearDays is the length of one lokinet registration year,
// padded for drift and leap years.
const RegistrationYearDays = 368

// MaxEncryptedValueSize bounds the encrypted payload of any record.
const MaxEncryptedValueSize = 255

func (t MappingType) String() string {
	switch t {
	case Session:
		return "session"
	case Wallet:
		return "wallet"
	case Lokinet:
		return "lokinet"
	case Lokinet2Years:
		return "lokinet_2y"
	case Lokinet5Years:
		return "lokinet_5y"
	case Lokinet10Years:
		return "lokinet_10y"
	case UpdateRecordInternal:
		return "update"
	default:
		return fmt.Sprintf("mapping(%d)", uint16(t))
	}
}

// IsLokinet reports whether t is a lokinet registration of any length.
func (t MappingType) IsLokinet() bool { return t >= Lokinet && t <= Lokinet10Years }

// years is the registration length a lokinet buy or renew pays for.
func (t MappingType) years() uint64 {
	switch t {
	case Lokinet2Years:
		return 2
	case Lokinet5Years:
		return 5
	case Lokinet10Years:
		return 10
	default:
		return 1
	}
}

// stored is the type a record is kept under: every lokinet length is one
// lokinet record.
func (t MappingType) stored() MappingType {
	if t.IsLokinet() {
		return Lokinet
	}
	return t
}

// BurnNeeded is the amount an ONS transaction of type t must burn.
func BurnNeeded(version params.HF, t MappingType) uint64 {
	basic := params.ONSBasicFee
	switch {
	case version >= params.HF18:
		basic = params.ONSBasicFeeHF18
	case version >= params.HF16Pulse:
		basic = params.ONSBasicFeeHF16
	}
	switch t {
	case UpdateRecordInternal:
		return 0
	case Lokinet2Years:
		return 2 * basic
	case Lokinet5Years:
		return 4 * basic
	case Lokinet10Years:
		return 6 * basic
	default:
		return basic
	}
}

// TypeAllowed reports whether t may be bought at version.
func TypeAllowed(version params.HF, t MappingType) bool {
	switch {
	case t == Session:
		return version >= params.HF15ONS
	case t == Wallet || t.IsLokinet():
		return version >= params.HF16Pulse
	default:
		return false
	}
}

// Record is the current state of one name.
type Record struct {
	Type           MappingType
	NameHash       crypto.Hash
	Owner          cryptonote.ONSOwner
	BackupOwner    *cryptonote.ONSOwner
	EncryptedValue []byte
	TxID           crypto.Hash
	RegisterHeight uint64
	UpdateHeight   uint64
	// ExpirationHeight is zero for records that never expire.
	ExpirationHeight uint64
}

// Active reports whether the record is live at height.
func (r *Record) Active(height uint64) bool {
	return r.ExpirationHeight == 0 || height < r.ExpirationHeight
}

// UpdateHash is the message an owner signs to update a record.
func UpdateHash(e *cryptonote.ExtraOxenNameSystem) crypto.Hash {
	buf := append([]byte(nil), e.EncryptedValue...)
	if e.Fields&cryptonote.ONSFieldOwner != 0 {
		buf = append(buf, e.Owner.Spend[:]...)
		buf = append(buf, e.Owner.View[:]...)
	}
	if e.Fields&cryptonote.ONSFieldBackupOwner != 0 {
		buf = append(buf, e.BackupOwner.Spend[:]...)
		buf = append(buf, e.BackupOwner.View[:]...)
	}
	buf = append(buf, e.PrevTxID[:]...)
	return crypto.Keccak256(buf)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}
