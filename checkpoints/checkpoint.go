package checkpoints

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/x-vinnci/saferun-core-sub001/crypto"
	"github.com/x-vinnci/saferun-core-sub001/cryptonote"
)

// Type is the provenance of a checkpoint.
type Type uint8

const (
	Hardcoded Type = iota
	ServiceNode
)

func (t Type) String() string {
	switch t {
	case Hardcoded:
		return "hardcoded"
	case ServiceNode:
		return "service_node"
	default:
		return fmt.Sprintf("checkpoint_type(%d)", uint8(t))
	}
}

// Checkpoint pins the main chain block at Height. Service node checkpoints
// carry the quorum votes that produced them.
type Checkpoint struct {
	Type       Type
	Height     uint64
	BlockHash  crypto.Hash
	Signatures []cryptonote.QuorumSignature
}

var errCheckpointEncoding = errors.New("malformed checkpoint record")

// MarshalBinary encodes the checkpoint for the block store:
// type(1) height(8 BE) hash(32) varint(n) {voter(2 LE) sig(64)}*n.
func (c *Checkpoint) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, 41+1+len(c.Signatures)*66)
	buf = append(buf, byte(c.Type))
	buf = binary.BigEndian.AppendUint64(buf, c.Height)
	buf = append(buf, c.BlockHash[:]...)
	buf = cryptonote.PutVarint(buf, uint64(len(c.Signatures)))
	for _, s := range c.Signatures {
		buf = binary.LittleEndian.AppendUint16(buf, s.VoterIndex)
		buf = append(buf, s.Signature[:]...)
	}
	return buf, nil
}

// UnmarshalBinary decodes a record written by MarshalBinary.
func (c *Checkpoint) UnmarshalBinary(data []byte) error {
	if len(data) < 42 {
		return errCheckpointEncoding
	}
	c.Type = Type(data[0])
	c.Height = binary.BigEndian.Uint64(data[1:9])
	copy(c.BlockHash[:], data[9:41])
	n, used, err := cryptonote.ReadVarint(data[41:])
	if err != nil {
		return fmt.Errorf("%w: %v", errCheckpointEncoding, err)
	}
	rest := data[41+used:]
	if uint64(len(rest)) != n*66 {
		return fmt.Errorf("%w: %d signature bytes for %d votes", errCheckpointEncoding, len(rest), n)
	}
	c.Signatures = nil
	if n > 0 {
		c.Signatures = make([]cryptonote.QuorumSignature, n)
	}
	for i := range c.Signatures {
		c.Signatures[i].VoterIndex = binary.LittleEndian.Uint16(rest[:2])
		copy(c.Signatures[i].Signature[:], rest[2:66])
		rest = rest[66:]
	}
	return nil
}
