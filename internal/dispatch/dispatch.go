// Package dispatch maps a parsed command.Command onto the keyspace,
// pub/sub hub, and blocking-pop registry, producing a resp.Value reply.
// It is a pure function of (command, collaborators) per spec.md §9: the
// per-connection state machine in internal/session decides whether a
// command is queued, blocked, or dispatched; this package only knows how
// to execute one.
package dispatch

import (
	"context"
	"strconv"
	"time"

	"github.com/kvredis/kvredis/internal/blocking"
	"github.com/kvredis/kvredis/internal/command"
	"github.com/kvredis/kvredis/internal/geo"
	"github.com/kvredis/kvredis/internal/pubsub"
	"github.com/kvredis/kvredis/internal/resp"
	"github.com/kvredis/kvredis/internal/store"
)

// Config carries the two CONFIG GET-observable settings (spec §6).
type Config struct {
	Dir        string
	DBFilename string
}

// Executor wires together the collaborators one connection's dispatch
// loop needs. A single Executor is shared by every connection.
type Executor struct {
	Keyspace *store.Keyspace
	Hub      *pubsub.Hub
	Blocking *blocking.Registry
	Config   Config
}

// New returns an Executor over the given collaborators.
func New(ks *store.Keyspace, hub *pubsub.Hub, reg *blocking.Registry, cfg Config) *Executor {
	return &Executor{Keyspace: ks, Hub: hub, Blocking: reg, Config: cfg}
}

// Exec runs one command and returns its reply. clientID identifies the
// calling connection, used for pub/sub subscriber bookkeeping; the
// SUBSCRIBE and UNSUBSCRIBE replies carry the client's subscribed-channel
// count, and the caller asks the hub for that count itself to drive its
// subscribe-mode transition (spec §4.9). ctx is the calling
// connection's lifetime context: BLPOP uses it to stop waiting and free
// its registry entry the moment the connection closes (spec §5 "Connection
// closure cancels the per-connection task... and removes any pending
// waiters").
func (e *Executor) Exec(ctx context.Context, cmd command.Command, clientID int64) resp.Value {
	switch cmd.Name {
	case command.Ping:
		return resp.SimpleString("PONG")
	case command.Echo:
		return resp.Bulk(cmd.Value)
	case command.CommandHandshake:
		return resp.Array()
	case command.DBSize:
		return resp.Integer(int64(e.Keyspace.DBSize()))
	case command.FlushAll:
		e.Keyspace.FlushAll()
		return resp.SimpleString("OK")
	case command.ConfigGet:
		return e.configGet(cmd.Param)
	case command.Keys:
		return e.keys(cmd.Param)
	case command.TypeOf:
		return e.typeOf(cmd.Key)

	case command.Set:
		e.Keyspace.Set(cmd.Key, cmd.Value, cmd.PX)
		return resp.SimpleString("OK")
	case command.Get:
		v, ok, err := e.Keyspace.Get(cmd.Key)
		if err != nil {
			return errValue(err)
		}
		if !ok {
			return resp.NullBulk()
		}
		return resp.Bulk(v)
	case command.Incr:
		n, err := e.Keyspace.Incr(cmd.Key)
		if err != nil {
			return errValue(err)
		}
		return resp.Integer(n)

	case command.RPush:
		n, err := e.Keyspace.RPush(cmd.Key, cmd.Values)
		if err != nil {
			return errValue(err)
		}
		return resp.Integer(int64(n))
	case command.LPush:
		n, err := e.Keyspace.LPush(cmd.Key, cmd.Values)
		if err != nil {
			return errValue(err)
		}
		return resp.Integer(int64(n))
	case command.LRange:
		vals, err := e.Keyspace.LRange(cmd.Key, cmd.Start, cmd.End)
		if err != nil {
			return errValue(err)
		}
		return bulkArray(vals)
	case command.LLen:
		n, err := e.Keyspace.LLen(cmd.Key)
		if err != nil {
			return errValue(err)
		}
		return resp.Integer(int64(n))
	case command.LPop:
		out, ok, err := e.Keyspace.LPop(cmd.Key, cmd.Count, cmd.HasCnt)
		if err != nil {
			return errValue(err)
		}
		if !ok {
			if cmd.HasCnt {
				return resp.NullArray()
			}
			return resp.NullBulk()
		}
		if !cmd.HasCnt {
			return resp.Bulk(out[0])
		}
		return bulkArray(out)
	case command.BLPop:
		return e.blpop(ctx, cmd)

	case command.ZAdd:
		added, ok, err := e.Keyspace.ZAdd(cmd.Key, cmd.Score, cmd.Member)
		if err != nil {
			return errValue(err)
		}
		if !ok {
			return resp.Integer(0)
		}
		return resp.Integer(int64(added))
	case command.ZRank:
		r, ok, err := e.Keyspace.ZRank(cmd.Key, cmd.Member)
		if err != nil {
			return errValue(err)
		}
		if !ok {
			return resp.NullBulk()
		}
		return resp.Integer(int64(r))
	case command.ZRange:
		members, err := e.Keyspace.ZRange(cmd.Key, cmd.Start, cmd.End)
		if err != nil {
			return errValue(err)
		}
		return stringArray(members)
	case command.ZCard:
		n, err := e.Keyspace.ZCard(cmd.Key)
		if err != nil {
			return errValue(err)
		}
		return resp.Integer(int64(n))
	case command.ZScore:
		s, ok, err := e.Keyspace.ZScore(cmd.Key, cmd.Member)
		if err != nil {
			return errValue(err)
		}
		if !ok {
			return resp.NullBulk()
		}
		return resp.BulkFromString(formatScore(s))
	case command.ZRem:
		removed, err := e.Keyspace.ZRem(cmd.Key, cmd.Member)
		if err != nil {
			return errValue(err)
		}
		if removed {
			return resp.Integer(1)
		}
		return resp.Integer(0)

	case command.GeoAdd:
		return e.geoAdd(cmd)
	case command.GeoPos:
		return e.geoPos(cmd)
	case command.GeoDist:
		return e.geoDist(cmd)
	case command.GeoSearch:
		return e.geoSearch(cmd)

	case command.Subscribe:
		n := e.Hub.Subscribe(cmd.Key, clientID)
		return resp.Array(
			resp.BulkFromString("subscribe"),
			resp.BulkFromString(cmd.Key),
			resp.Integer(int64(n)),
		)
	case command.Unsubscribe:
		n := e.Hub.Unsubscribe(cmd.Key, clientID)
		return resp.Array(
			resp.BulkFromString("unsubscribe"),
			resp.BulkFromString(cmd.Key),
			resp.Integer(int64(n)),
		)
	case command.Publish:
		n := e.Hub.Publish(cmd.Key, cmd.Value)
		return resp.Integer(int64(n))

	default:
		return resp.Errorf("ERR Unsupported command: %s", cmd.Name)
	}
}

func (e *Executor) configGet(param string) resp.Value {
	var value string
	switch param {
	case "dir":
		value = e.Config.Dir
	case "dbfilename":
		value = e.Config.DBFilename
	default:
		return resp.Errorf("ERR CONFIG GET does not support this argument: %s", param)
	}
	return resp.Array(resp.BulkFromString(param), resp.BulkFromString(value))
}

func (e *Executor) keys(pattern string) resp.Value {
	if pattern != "*" {
		return resp.Errorf("ERR Pattern %s is not supported", pattern)
	}
	return stringArray(e.Keyspace.Keys())
}

func (e *Executor) typeOf(key string) resp.Value {
	kind, ok := e.Keyspace.Type(key)
	if !ok {
		return resp.SimpleString("none")
	}
	return resp.SimpleString(kind.String())
}

// blpop is dispatched only outside a transaction (session enforces that);
// it pops immediately if possible, otherwise blocks this goroutine on the
// registry until a push hands off an element, the timeout elapses, or ctx
// is cancelled (the connection closed).
func (e *Executor) blpop(ctx context.Context, cmd command.Command) resp.Value {
	out, ok, err := e.Keyspace.LPop(cmd.Key, 0, false)
	if err != nil {
		return errValue(err)
	}
	if ok {
		return resp.Array(resp.BulkFromString(cmd.Key), resp.Bulk(out[0]))
	}

	timeout := time.Duration(cmd.Timeout * float64(time.Second))
	res := e.Blocking.Wait(ctx, cmd.Key, timeout)
	if !res.Woken {
		return resp.NullArray()
	}
	return resp.Array(resp.BulkFromString(res.Key), resp.Bulk(res.Value))
}

func (e *Executor) geoAdd(cmd command.Command) resp.Value {
	score, err := geo.Encode(cmd.Lon, cmd.Lat)
	if err != nil {
		return resp.Errorf("ERR invalid longitude,latitude pair %v,%v", cmd.Lon, cmd.Lat)
	}
	added, ok, zerr := e.Keyspace.ZAdd(cmd.Key, score, cmd.Member)
	if zerr != nil {
		return errValue(zerr)
	}
	if !ok {
		return resp.Integer(0)
	}
	return resp.Integer(int64(added))
}

func (e *Executor) geoPos(cmd command.Command) resp.Value {
	elems := make([]resp.Value, 0, len(cmd.Members))
	_, err := e.Keyspace.WithZSet(cmd.Key, func(z *store.SortedSet) {
		for _, m := range cmd.Members {
			score, ok := z.Score(m)
			if !ok {
				elems = append(elems, resp.NullArray())
				continue
			}
			lon, lat := geo.Decode(score)
			elems = append(elems, resp.Array(
				resp.BulkFromString(formatScore(lon)),
				resp.BulkFromString(formatScore(lat)),
			))
		}
	})
	if err != nil {
		return errValue(err)
	}
	if len(elems) == 0 {
		for range cmd.Members {
			elems = append(elems, resp.NullArray())
		}
	}
	return resp.ArrayFrom(elems)
}

func (e *Executor) geoDist(cmd command.Command) resp.Value {
	var lon1, lat1, lon2, lat2 float64
	var found1, found2 bool
	_, err := e.Keyspace.WithZSet(cmd.Key, func(z *store.SortedSet) {
		if s, ok := z.Score(cmd.Member); ok {
			lon1, lat1 = geo.Decode(s)
			found1 = true
		}
		if s, ok := z.Score(cmd.Key2); ok {
			lon2, lat2 = geo.Decode(s)
			found2 = true
		}
	})
	if err != nil {
		return errValue(err)
	}
	if !found1 || !found2 {
		return resp.NullBulk()
	}
	d := geo.HaversineMeters(lon1, lat1, lon2, lat2)
	return resp.BulkFromString(formatScore(d))
}

func (e *Executor) geoSearch(cmd command.Command) resp.Value {
	var within []string
	_, err := e.Keyspace.WithZSet(cmd.Key, func(z *store.SortedSet) {
		for _, m := range z.Range(0, -1) {
			s, ok := z.Score(m)
			if !ok {
				continue
			}
			lon, lat := geo.Decode(s)
			if geo.HaversineMeters(cmd.Lon, cmd.Lat, lon, lat) <= cmd.Radius {
				within = append(within, m)
			}
		}
	})
	if err != nil {
		return errValue(err)
	}
	return stringArray(within)
}

func errValue(err error) resp.Value {
	return resp.Errorf("ERR %s", err.Error())
}

func bulkArray(vals [][]byte) resp.Value {
	elems := make([]resp.Value, len(vals))
	for i, v := range vals {
		elems[i] = resp.Bulk(v)
	}
	return resp.ArrayFrom(elems)
}

func stringArray(vals []string) resp.Value {
	elems := make([]resp.Value, len(vals))
	for i, v := range vals {
		elems[i] = resp.BulkFromString(v)
	}
	return resp.ArrayFrom(elems)
}

// formatScore renders a float64 the way ZSCORE/GEOPOS/GEODIST need: the
// shortest decimal representation that round-trips.
func formatScore(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
