// internal/store/dynamo/dynamo.go
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/google/uuid"

	"github.com/tamzrod/plc-cloud-gateway/internal/command"
	"github.com/tamzrod/plc-cloud-gateway/internal/status"
	"github.com/tamzrod/plc-cloud-gateway/internal/store"
	"github.com/tamzrod/plc-cloud-gateway/internal/telemetry"
)

// SortKeyLayout is a fixed-width UTC layout so string order equals time order.
const SortKeyLayout = "2006-01-02T15:04:05.000000000Z"

const batchWriteMax = 25

// PendingAttr marks an unprocessed command for the optional sparse index.
// The dashboard sets it to the gateway id on insert; MarkProcessed removes it.
const PendingAttr = "pending_gateway"

// Config selects the tables and the telemetry partition.
type Config struct {
	Region    string
	Endpoint  string // optional, for local DynamoDB
	GatewayID string

	// TelemetryTTL sets the ttl attribute on telemetry items; 0 disables it.
	TelemetryTTL time.Duration

	Tables store.Collections

	// PendingIndex names a GSI with partition key PendingAttr and sort key
	// created_at. When set, pending commands are queried instead of scanned.
	PendingIndex string

	Logger *slog.Logger
}

// Store is the DynamoDB backend.
type Store struct {
	api    dynamodbiface.DynamoDBAPI
	cfg    Config
	tables store.Collections
	log    *slog.Logger
}

// New opens a session and returns a Store.
func New(cfg Config) (*Store, error) {
	awsCfg := &aws.Config{}
	if cfg.Region != "" {
		awsCfg.Region = aws.String(cfg.Region)
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("dynamo: session: %w", err)
	}
	return NewWithAPI(dynamodb.New(sess), cfg)
}

// NewWithAPI wraps an existing client.
func NewWithAPI(api dynamodbiface.DynamoDBAPI, cfg Config) (*Store, error) {
	if api == nil {
		return nil, errors.New("dynamo: client is nil")
	}
	if cfg.GatewayID == "" {
		return nil, errors.New("dynamo: gateway id required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Store{api: api, cfg: cfg, tables: cfg.Tables.WithDefaults(), log: cfg.Logger}, nil
}

// ---- items ----

type telemetryItem struct {
	GatewayID   string  `dynamodbav:"gateway_id"`
	TS          string  `dynamodbav:"ts"`
	LevelCM     float64 `dynamodbav:"level_cm"`
	LevelRaw    int     `dynamodbav:"level_raw"`
	VFDRPM      int     `dynamodbav:"vfd_rpm"`
	VFDSpeedCmd int     `dynamodbav:"vfd_speed_cmd"`
	Setpoint    int     `dynamodbav:"setpoint"`
	Blink2Hz    bool    `dynamodbav:"blink_2hz"`
	ReachedSP   bool    `dynamodbav:"reached_sp"`
	LowLevel    bool    `dynamodbav:"low_level"`
	HighLevel   bool    `dynamodbav:"high_level"`
	Error       int     `dynamodbav:"error"`
	TTL         int64   `dynamodbav:"ttl,omitempty"`
}

type statusItem struct {
	ID                string  `dynamodbav:"id"`
	LastUpdate        string  `dynamodbav:"last_update"`
	LevelCM           float64 `dynamodbav:"level_cm"`
	VFDRPM            int     `dynamodbav:"vfd_rpm"`
	Setpoint          int     `dynamodbav:"setpoint"`
	SystemRunning     bool    `dynamodbav:"system_running"`
	AlarmLow          bool    `dynamodbav:"alarm_low"`
	AlarmHigh         bool    `dynamodbav:"alarm_high"`
	ReachedSP         bool    `dynamodbav:"reached_sp"`
	Error             int     `dynamodbav:"error"`
	Health            string  `dynamodbav:"health"`
	LastErrorCode     int     `dynamodbav:"last_error_code"`
	DisconnectedSince string  `dynamodbav:"disconnected_since,omitempty"`
}

type eventItem struct {
	ID        string `dynamodbav:"id"`
	TS        string `dynamodbav:"ts"`
	EventType string `dynamodbav:"event_type"`
	Details   string `dynamodbav:"details"`
}

func sortKey(t time.Time) string { return t.UTC().Format(SortKeyLayout) }

// ---- Store ----

func (s *Store) AppendTelemetry(ctx context.Context, snap telemetry.Snapshot) error {
	it := telemetryItem{
		GatewayID:   s.cfg.GatewayID,
		TS:          sortKey(snap.Timestamp),
		LevelCM:     store.RoundLevel(snap.LevelCM),
		LevelRaw:    snap.LevelRaw,
		VFDRPM:      snap.VFDRPM,
		VFDSpeedCmd: snap.VFDSpeedCmd,
		Setpoint:    snap.Setpoint,
		Blink2Hz:    snap.Blink2Hz,
		ReachedSP:   snap.ReachedSP,
		LowLevel:    snap.LowLevel,
		HighLevel:   snap.HighLevel,
		Error:       snap.Error,
	}
	if s.cfg.TelemetryTTL > 0 {
		it.TTL = snap.Timestamp.Add(s.cfg.TelemetryTTL).Unix()
	}
	return s.put(ctx, s.tables.Telemetry, it)
}

func (s *Store) UpsertStatus(ctx context.Context, st status.Summary) error {
	it := statusItem{
		ID:            status.RecordID,
		LastUpdate:    st.LastUpdate.UTC().Format(time.RFC3339Nano),
		LevelCM:       store.RoundLevel(st.LevelCM),
		VFDRPM:        st.VFDRPM,
		Setpoint:      st.Setpoint,
		SystemRunning: st.SystemRunning,
		AlarmLow:      st.AlarmLow,
		AlarmHigh:     st.AlarmHigh,
		ReachedSP:     st.ReachedSP,
		Error:         st.Error,
		Health:        status.HealthName(st.Health),
		LastErrorCode: int(st.LastErrorCode),
	}
	if !st.DisconnectedSince.IsZero() {
		it.DisconnectedSince = st.DisconnectedSince.UTC().Format(time.RFC3339Nano)
	}
	return s.put(ctx, s.tables.Status, it)
}

func (s *Store) AppendEvent(ctx context.Context, ev store.Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	return s.put(ctx, s.tables.Events, eventItem{
		ID:        ev.ID,
		TS:        sortKey(ev.Timestamp),
		EventType: ev.Type,
		Details:   ev.Details,
	})
}

func (s *Store) put(ctx context.Context, table string, v interface{}) error {
	item, err := dynamodbattribute.MarshalMap(v)
	if err != nil {
		return store.Wrap("marshal", table, err)
	}
	_, err = s.api.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(table),
		Item:      item,
	})
	return store.Wrap("put", table, err)
}

// PendingCommands returns unprocessed commands, oldest first. The dashboard
// writes flags either as BOOL or as 0/1 numbers, so both encodings match.
//
// A row with undecodable fields comes back with Malformed set so the
// dispatcher can reject it. A row without a usable id cannot be marked and is
// skipped.
func (s *Store) PendingCommands(ctx context.Context, limit int) ([]command.Command, error) {
	table := s.tables.Commands

	var (
		items []map[string]*dynamodb.AttributeValue
		err   error
	)
	if s.cfg.PendingIndex != "" {
		items, err = s.queryPending(ctx, table, limit)
	} else {
		items, err = s.scanPending(ctx, table)
	}
	if err != nil {
		return nil, err
	}

	out := make([]command.Command, 0, len(items))
	for _, item := range items {
		c, err := decodeCommand(item)
		if err != nil {
			s.log.Warn("skipping command item", "table", table, "err", err)
			continue
		}
		out = append(out, c)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

const pendingFilter = "attribute_not_exists(#p) OR #p = :f OR #p = :z"

func pendingValues() map[string]*dynamodb.AttributeValue {
	return map[string]*dynamodb.AttributeValue{
		":f": {BOOL: aws.Bool(false)},
		":z": {N: aws.String("0")},
	}
}

// scanPending reads the whole table. Its cost grows with command history;
// configure PendingIndex on busy tables.
func (s *Store) scanPending(ctx context.Context, table string) ([]map[string]*dynamodb.AttributeValue, error) {
	input := &dynamodb.ScanInput{
		TableName:                 aws.String(table),
		FilterExpression:          aws.String(pendingFilter),
		ExpressionAttributeNames:  map[string]*string{"#p": aws.String("processed")},
		ExpressionAttributeValues: pendingValues(),
	}

	var items []map[string]*dynamodb.AttributeValue
	for {
		page, err := s.api.ScanWithContext(ctx, input)
		if err != nil {
			return nil, store.Wrap("scan", table, err)
		}
		items = append(items, page.Items...)
		if len(page.LastEvaluatedKey) == 0 {
			return items, nil
		}
		input.ExclusiveStartKey = page.LastEvaluatedKey
	}
}

// queryPending reads this gateway's partition of the sparse index in
// created_at order and stops once limit items are collected.
func (s *Store) queryPending(ctx context.Context, table string, limit int) ([]map[string]*dynamodb.AttributeValue, error) {
	vals := pendingValues()
	vals[":g"] = &dynamodb.AttributeValue{S: aws.String(s.cfg.GatewayID)}

	input := &dynamodb.QueryInput{
		TableName:              aws.String(table),
		IndexName:              aws.String(s.cfg.PendingIndex),
		KeyConditionExpression: aws.String("#g = :g"),
		FilterExpression:       aws.String(pendingFilter),
		ExpressionAttributeNames: map[string]*string{
			"#g": aws.String(PendingAttr),
			"#p": aws.String("processed"),
		},
		ExpressionAttributeValues: vals,
		ScanIndexForward:          aws.Bool(true),
	}
	if limit > 0 {
		input.Limit = aws.Int64(int64(limit))
	}

	var items []map[string]*dynamodb.AttributeValue
	for {
		page, err := s.api.QueryWithContext(ctx, input)
		if err != nil {
			return nil, store.Wrap("query", table, err)
		}
		items = append(items, page.Items...)
		if len(page.LastEvaluatedKey) == 0 || (limit > 0 && len(items) >= limit) {
			return items, nil
		}
		input.ExclusiveStartKey = page.LastEvaluatedKey
	}
}

// MarkProcessed flips processed with a conditional update so a second call
// fails with store.ErrAlreadyProcessed.
func (s *Store) MarkProcessed(ctx context.Context, id string, at time.Time) error {
	table := s.tables.Commands
	key := map[string]*dynamodb.AttributeValue{"id": {S: aws.String(id)}}

	_, err := s.api.UpdateItemWithContext(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(table),
		Key:                 key,
		UpdateExpression:    aws.String("SET #p = :t, processed_at = :at REMOVE #pg"),
		ConditionExpression: aws.String("attribute_exists(id) AND (attribute_not_exists(#p) OR #p = :f OR #p = :z)"),
		ExpressionAttributeNames: map[string]*string{
			"#p":  aws.String("processed"),
			"#pg": aws.String(PendingAttr),
		},
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":t":  {BOOL: aws.Bool(true)},
			":f":  {BOOL: aws.Bool(false)},
			":z":  {N: aws.String("0")},
			":at": {S: aws.String(at.UTC().Format(time.RFC3339Nano))},
		},
	})
	if err == nil {
		return nil
	}
	if !isConditionFailed(err) {
		return store.Wrap("update", table, err)
	}

	// condition failed: missing item or already processed
	got, gerr := s.api.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(table),
		Key:       key,
	})
	if gerr != nil {
		return store.Wrap("get", table, gerr)
	}
	if len(got.Item) == 0 {
		return store.Wrap("update", table, store.ErrNotFound)
	}
	return store.Wrap("update", table, store.ErrAlreadyProcessed)
}

// DeleteTelemetryBefore queries this gateway's partition for ts < cutoff and
// batch-deletes the keys.
func (s *Store) DeleteTelemetryBefore(ctx context.Context, cutoff time.Time) (int, error) {
	table := s.tables.Telemetry

	input := &dynamodb.QueryInput{
		TableName:              aws.String(table),
		KeyConditionExpression: aws.String("gateway_id = :g AND ts < :c"),
		ProjectionExpression:   aws.String("gateway_id, ts"),
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":g": {S: aws.String(s.cfg.GatewayID)},
			":c": {S: aws.String(sortKey(cutoff))},
		},
	}

	var keys []map[string]*dynamodb.AttributeValue
	for {
		page, err := s.api.QueryWithContext(ctx, input)
		if err != nil {
			return 0, store.Wrap("query", table, err)
		}
		keys = append(keys, page.Items...)
		if len(page.LastEvaluatedKey) == 0 {
			break
		}
		input.ExclusiveStartKey = page.LastEvaluatedKey
	}

	deleted := 0
	for start := 0; start < len(keys); start += batchWriteMax {
		end := start + batchWriteMax
		if end > len(keys) {
			end = len(keys)
		}
		n, err := s.deleteBatch(ctx, table, keys[start:end])
		deleted += n
		if err != nil {
			return deleted, err
		}
	}
	return deleted, nil
}

func (s *Store) deleteBatch(ctx context.Context, table string, keys []map[string]*dynamodb.AttributeValue) (int, error) {
	reqs := make([]*dynamodb.WriteRequest, 0, len(keys))
	for _, k := range keys {
		reqs = append(reqs, &dynamodb.WriteRequest{
			DeleteRequest: &dynamodb.DeleteRequest{Key: k},
		})
	}

	pending := map[string][]*dynamodb.WriteRequest{table: reqs}
	total := len(reqs)

	// unprocessed items are retried a bounded number of times
	for attempt := 0; attempt < 3 && len(pending[table]) > 0; attempt++ {
		out, err := s.api.BatchWriteItemWithContext(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: pending,
		})
		if err != nil {
			return total - len(pending[table]), store.Wrap("batch_delete", table, err)
		}
		pending = out.UnprocessedItems
		if pending == nil {
			pending = map[string][]*dynamodb.WriteRequest{}
		}
	}

	left := len(pending[table])
	if left > 0 {
		return total - left, store.Wrap("batch_delete", table, fmt.Errorf("%d items left unprocessed", left))
	}
	return total, nil
}

func (s *Store) Close() error { return nil }

// ---- decoding ----

func decodeCommand(item map[string]*dynamodb.AttributeValue) (command.Command, error) {
	var c command.Command

	id, ok := item["id"]
	if !ok || id == nil {
		return c, errors.New("command without id")
	}
	switch {
	case id.S != nil && *id.S != "":
		c.ID = *id.S
	case id.N != nil:
		c.ID = *id.N
	default:
		return c, errors.New("command id is neither S nor N")
	}

	c.CmdStart = flag(item["cmd_start"])
	c.CmdStop = flag(item["cmd_stop"])
	c.CmdEstop = flag(item["cmd_estop"])
	c.Processed = flag(item["processed"])

	var bad []string

	if av := item["sp_ref_cm"]; av != nil {
		if v, ok, err := number(av); err != nil {
			bad = append(bad, "sp_ref_cm: "+err.Error())
		} else if ok {
			c.SPRefCM = &v
		}
	}

	// the original dashboard stamps commands with ts
	av := item["created_at"]
	if av == nil {
		av = item["ts"]
	}
	if av != nil {
		t, err := parseCreated(av)
		if err != nil {
			bad = append(bad, "created_at: "+err.Error())
		}
		c.CreatedAt = t
	}

	c.Malformed = strings.Join(bad, "; ")
	return c, nil
}

// number reads an N or numeric S attribute. ok is false for NULL.
func number(av *dynamodb.AttributeValue) (float64, bool, error) {
	switch {
	case av.N != nil:
		v, err := strconv.ParseFloat(*av.N, 64)
		return v, err == nil, err
	case av.S != nil:
		v, err := strconv.ParseFloat(strings.TrimSpace(*av.S), 64)
		return v, err == nil, err
	case aws.BoolValue(av.NULL):
		return 0, false, nil
	}
	return 0, false, errors.New("not a number")
}

var createdLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// parseCreated accepts RFC 3339, zone-less ISO timestamps (read as UTC) and
// epoch seconds.
func parseCreated(av *dynamodb.AttributeValue) (time.Time, error) {
	if av.N != nil {
		v, err := strconv.ParseFloat(*av.N, 64)
		if err != nil {
			return time.Time{}, err
		}
		sec, frac := math.Modf(v)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
	}
	if av.S == nil {
		return time.Time{}, errors.New("not a string or number")
	}
	raw := strings.TrimSpace(*av.S)
	for _, layout := range createdLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", raw)
}

func flag(av *dynamodb.AttributeValue) bool {
	if av == nil {
		return false
	}
	if av.BOOL != nil {
		return *av.BOOL
	}
	if av.N != nil {
		v, err := strconv.ParseFloat(*av.N, 64)
		return err == nil && v != 0
	}
	return false
}

func isConditionFailed(err error) bool {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		return aerr.Code() == dynamodb.ErrCodeConditionalCheckFailedException
	}
	return false
}
