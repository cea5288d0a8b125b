package capture

import (
	"slices"

	"GoSniffy/pkg/meta"
)

// Group collapses captured traffic by reduced metadata key. Packets from the
// connections folded into one key are merge-sorted by timestamp; in buffered
// mode adjacent same-direction packets within the merge threshold are
// combined again.
func (r *Recorder) Group(traffic map[ConnKey][]Packet, g meta.GroupingOptions) map[meta.Key][]Packet {
	grouped := make(map[meta.Key][]Packet)
	for conn, packets := range traffic {
		for _, p := range packets {
			key := meta.Key{Target: conn.Target, ConnID: conn.ConnID, Trace: p.Trace, Thread: p.Thread}.Reduce(g)
			grouped[key] = append(grouped[key], p)
		}
	}

	for key, packets := range grouped {
		slices.SortStableFunc(packets, func(a, b Packet) int {
			return a.Timestamp.Compare(b.Timestamp)
		})
		if r.opts.Buffered {
			packets = r.coalesce(packets)
		}
		grouped[key] = packets
	}
	return grouped
}

func (r *Recorder) coalesce(packets []Packet) []Packet {
	out := make([]Packet, 0, len(packets))
	for _, p := range packets {
		if n := len(out); n > 0 {
			last := out[n-1]
			if last.Sent == p.Sent && p.Timestamp.Sub(last.Timestamp) <= r.opts.MergeThreshold {
				out[n-1] = merge(last, p.Payload)
				continue
			}
		}
		out = append(out, p)
	}
	return out
}

// Bytes sums payload sizes per direction.
func Bytes(packets []Packet) (sent, received int) {
	for _, p := range packets {
		if p.Sent {
			sent += len(p.Payload)
		} else {
			received += len(p.Payload)
		}
	}
	return sent, received
}
