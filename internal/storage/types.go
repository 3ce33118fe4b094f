package storage

import (
	"encoding"
	"encoding/binary"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

// DBEnvelope is an outbound frame waiting for a connection.
type DBEnvelope struct {
	Seq      uint64 `msgpack:"seq"`
	Type     string `msgpack:"type"`
	Data     []byte `msgpack:"data"`
	QueuedAt int64  `msgpack:"queuedAt"`
}

func (e *DBEnvelope) Key() []byte {
	return seqKey(e.Seq)
}

func (e *DBEnvelope) MarshalBinary() (data []byte, err error) {
	type alias DBEnvelope
	return msgpack.Marshal((*alias)(e))
}

func (e *DBEnvelope) UnmarshalBinary(data []byte) error {
	type alias DBEnvelope
	return msgpack.Unmarshal(data, (*alias)(e))
}

type DBProfile struct {
	ID          string `msgpack:"id"`
	DisplayName string `msgpack:"displayName"`
	AvatarURL   string `msgpack:"avatarUrl"`
}

func (p *DBProfile) Key() []byte {
	return []byte(p.ID)
}

func (p *DBProfile) MarshalBinary() (data []byte, err error) {
	type alias DBProfile
	return msgpack.Marshal((*alias)(p))
}

func (p *DBProfile) UnmarshalBinary(data []byte) error {
	type alias DBProfile
	return msgpack.Unmarshal(data, (*alias)(p))
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
