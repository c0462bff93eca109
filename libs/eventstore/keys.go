package eventstore

import (
	"strconv"
	"time"
)

// Broker key layout. Every key the store touches is built here so the
// namespace stays greppable.

func EventStreamKey(aggregateID string) string {
	return "events:" + aggregateID
}

func TypeStreamKey(aggregateType string) string {
	return "aggregate-type:" + aggregateType
}

// DateStreamKey partitions a type's delivery stream by UTC day.
func DateStreamKey(stream, aggregateType string, t time.Time) string {
	return stream + ":" + aggregateType + ":" + t.UTC().Format("2006-01-02")
}

// PartitionStreamKey names one fixed partition of a delivery stream.
func PartitionStreamKey(stream string, partition int) string {
	return stream + ":" + strconv.Itoa(partition)
}

// PartitionStreams lists every fixed partition of a delivery stream. A
// count of one or less means the stream is unpartitioned.
func PartitionStreams(stream string, partitions int) []string {
	if partitions <= 1 {
		return []string{stream}
	}
	streams := make([]string, partitions)
	for i := range streams {
		streams[i] = PartitionStreamKey(stream, i)
	}
	return streams
}

func SnapshotKey(aggregateType, aggregateID string) string {
	return "snapshot:" + aggregateType + ":" + aggregateID
}

func CommandKey(commandID string) string {
	return "commands:" + commandID
}

func SequenceKey(aggregateType string) string {
	return "sequence:" + aggregateType
}

func ProjectionVersionKey(aggregateID string) string {
	return "projection-version:" + aggregateID
}

// DLQKey names the dead-letter stream shadowing a source stream.
func DLQKey(stream string) string {
	return stream + ":dlq"
}

// DeliveriesKey names the hash tracking per-entry delivery counts for
// streams that cannot rely on consumer-group bookkeeping alone.
func DeliveriesKey(stream string) string {
	return "deliveries:" + stream
}

// EntryID derives the explicit stream entry ID for an event version. The
// sequence part is fixed at 1 because 0-0 is not a valid explicit ID.
func EntryID(version int64) string {
	return strconv.FormatInt(version, 10) + "-1"
}
