package types

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/big"

	"lukechampine.com/blake3"
)

// Outpoint references a spendable output on the source chain by the
// transaction that created it and the output position within it.
type Outpoint struct {
	TxHash [32]byte
	Index  uint32
}

func (o Outpoint) String() string {
	return fmt.Sprintf("%x:%d", o.TxHash, o.Index)
}

// Transaction is the bridge-side view of a source-chain transaction as it
// arrives for fraud screening. Fields mirror what the source chain commits
// to; the bridge never executes the transaction itself.
type Transaction struct {
	Nonce         uint64
	From          []byte
	To            []byte
	Amount        *big.Int
	Inputs        []Outpoint
	Payload       []byte
	PreStateRoot  [32]byte
	PostStateRoot [32]byte
	CostUnits     uint64
}

// Clone produces a deep copy of the transaction.
func (tx *Transaction) Clone() *Transaction {
	if tx == nil {
		return nil
	}
	clone := &Transaction{
		Nonce:         tx.Nonce,
		PreStateRoot:  tx.PreStateRoot,
		PostStateRoot: tx.PostStateRoot,
		CostUnits:     tx.CostUnits,
	}
	if len(tx.From) > 0 {
		clone.From = append([]byte(nil), tx.From...)
	}
	if len(tx.To) > 0 {
		clone.To = append([]byte(nil), tx.To...)
	}
	if tx.Amount != nil {
		clone.Amount = new(big.Int).Set(tx.Amount)
	}
	if len(tx.Inputs) > 0 {
		clone.Inputs = append([]Outpoint(nil), tx.Inputs...)
	}
	if len(tx.Payload) > 0 {
		clone.Payload = append([]byte(nil), tx.Payload...)
	}
	return clone
}

// CanonicalHash derives the deterministic identity of the transaction. The
// encoding is length-delimited so no two field layouts share a preimage.
func (tx *Transaction) CanonicalHash() ([32]byte, error) {
	var zero [32]byte
	if tx == nil {
		return zero, fmt.Errorf("transaction: nil")
	}
	buf := bytes.NewBuffer(nil)
	if err := binary.Write(buf, binary.BigEndian, tx.Nonce); err != nil {
		return zero, err
	}
	if err := writeDelimited(buf, tx.From); err != nil {
		return zero, err
	}
	if err := writeDelimited(buf, tx.To); err != nil {
		return zero, err
	}
	var amount []byte
	if tx.Amount != nil {
		amount = tx.Amount.Bytes()
	}
	if err := writeDelimited(buf, amount); err != nil {
		return zero, err
	}
	if err := binary.Write(buf, binary.BigEndian, uint32(len(tx.Inputs))); err != nil {
		return zero, err
	}
	for _, in := range tx.Inputs {
		buf.Write(in.TxHash[:])
		if err := binary.Write(buf, binary.BigEndian, in.Index); err != nil {
			return zero, err
		}
	}
	if err := writeDelimited(buf, tx.Payload); err != nil {
		return zero, err
	}
	buf.Write(tx.PreStateRoot[:])
	buf.Write(tx.PostStateRoot[:])
	if err := binary.Write(buf, binary.BigEndian, tx.CostUnits); err != nil {
		return zero, err
	}
	return blake3.Sum256(buf.Bytes()), nil
}

// Size reports the canonical encoded size of the transaction in bytes.
func (tx *Transaction) Size() int {
	if tx == nil {
		return 0
	}
	size := 8 /* nonce */ + 4 + len(tx.From) + 4 + len(tx.To)
	if tx.Amount != nil {
		size += 4 + len(tx.Amount.Bytes())
	} else {
		size += 4
	}
	size += 4 + len(tx.Inputs)*(32+4)
	size += 4 + len(tx.Payload)
	size += 32 + 32 + 8
	return size
}

func writeDelimited(buf *bytes.Buffer, data []byte) error {
	length := uint32(0)
	if data != nil {
		length = uint32(len(data))
	}
	if err := binary.Write(buf, binary.BigEndian, length); err != nil {
		return err
	}
	if length == 0 {
		return nil
	}
	if _, err := buf.Write(data); err != nil {
		return err
	}
	return nil
}
