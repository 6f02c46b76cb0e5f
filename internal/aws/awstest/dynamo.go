// Package awstest provides in-memory fakes of the AWS client interfaces for tests.
package awstest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
)

// MaxTransactItems is the DynamoDB limit on actions in one transaction.
const MaxTransactItems = 100

// Dynamo is a small in-memory DynamoDB. It understands the expression forms
// used by the stores in this module:
//
//	conditions: attribute_exists(a), attribute_not_exists(a), a = :v, a <> :v joined by AND
//	updates:    SET a = :v, #b = :w [ADD n :inc]
//	queries:    #k = :v (evaluated as a filter over the whole table)
//
// Items are stored per table keyed by the value of the table's partition key.
type Dynamo struct {
	mu     sync.Mutex
	keys   map[string]string
	tables map[string]map[string]map[string]types.AttributeValue

	// PageSize caps the number of items a Query returns per page. Zero means unlimited.
	PageSize int
	// Err, when non-nil, is returned by every call.
	Err error
	// FailTransactions forces TransactWriteItems to fail with this error.
	FailTransactions error

	Calls map[string]int
}

// NewDynamo returns an empty fake.
func NewDynamo() *Dynamo {
	return &Dynamo{
		keys:   map[string]string{},
		tables: map[string]map[string]map[string]types.AttributeValue{},
		Calls:  map[string]int{},
	}
}

// CreateTable registers a table and its partition key attribute.
func (d *Dynamo) CreateTable(name, partitionKey string) *Dynamo {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.keys[name] = partitionKey
	if _, ok := d.tables[name]; !ok {
		d.tables[name] = map[string]map[string]types.AttributeValue{}
	}
	return d
}

// Item returns a copy of the stored item or nil.
func (d *Dynamo) Item(table, key string) map[string]types.AttributeValue {
	d.mu.Lock()
	defer d.mu.Unlock()
	item, ok := d.tables[table][key]
	if !ok {
		return nil
	}
	return copyItem(item)
}

// Len returns the number of items in table.
func (d *Dynamo) Len(table string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tables[table])
}

// Put stores item directly, bypassing conditions.
func (d *Dynamo) Put(table string, item map[string]types.AttributeValue) {
	d.mu.Lock()
	defer d.mu.Unlock()
	pk, err := d.keyOf(table, item)
	if err != nil {
		panic(err)
	}
	d.tables[table][pk] = copyItem(item)
}

func (d *Dynamo) PutItem(ctx context.Context, in *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Calls["PutItem"]++
	if d.Err != nil {
		return nil, d.Err
	}
	if err := d.applyPut(in.TableName, in.Item, in.ConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues, false); err != nil {
		return nil, err
	}
	return &dyn.PutItemOutput{}, nil
}

func (d *Dynamo) GetItem(ctx context.Context, in *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Calls["GetItem"]++
	if d.Err != nil {
		return nil, d.Err
	}
	pk, err := d.keyOf(*in.TableName, in.Key)
	if err != nil {
		return nil, err
	}
	item, ok := d.tables[*in.TableName][pk]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: copyItem(item)}, nil
}

func (d *Dynamo) UpdateItem(ctx context.Context, in *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Calls["UpdateItem"]++
	if d.Err != nil {
		return nil, d.Err
	}
	item, err := d.applyUpdate(in.TableName, in.Key, in.UpdateExpression, in.ConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues, false)
	if err != nil {
		return nil, err
	}
	return &dyn.UpdateItemOutput{Attributes: copyItem(item)}, nil
}

func (d *Dynamo) DeleteItem(ctx context.Context, in *dyn.DeleteItemInput, optFns ...func(*dyn.Options)) (*dyn.DeleteItemOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Calls["DeleteItem"]++
	if d.Err != nil {
		return nil, d.Err
	}
	pk, err := d.keyOf(*in.TableName, in.Key)
	if err != nil {
		return nil, err
	}
	current := d.tables[*in.TableName][pk]
	ok, err := evalCondition(in.ConditionExpression, current, in.ExpressionAttributeNames, in.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &types.ConditionalCheckFailedException{Message: strPtr("The conditional request failed")}
	}
	delete(d.tables[*in.TableName], pk)
	return &dyn.DeleteItemOutput{}, nil
}

func (d *Dynamo) Query(ctx context.Context, in *dyn.QueryInput, optFns ...func(*dyn.Options)) (*dyn.QueryOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Calls["Query"]++
	if d.Err != nil {
		return nil, d.Err
	}
	table, ok := d.tables[*in.TableName]
	if !ok {
		return nil, &types.ResourceNotFoundException{Message: strPtr("table not found")}
	}
	pkName := d.keys[*in.TableName]

	var matched []map[string]types.AttributeValue
	for _, item := range table {
		ok, err := evalCondition(in.KeyConditionExpression, item, in.ExpressionAttributeNames, in.ExpressionAttributeValues)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, item)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		ci, cj := stringAttr(matched[i]["created_at"]), stringAttr(matched[j]["created_at"])
		if ci != cj {
			return ci < cj
		}
		return stringAttr(matched[i][pkName]) < stringAttr(matched[j][pkName])
	})

	start := 0
	if len(in.ExclusiveStartKey) > 0 {
		after := stringAttr(in.ExclusiveStartKey[pkName])
		for i, item := range matched {
			if stringAttr(item[pkName]) == after {
				start = i + 1
				break
			}
		}
	}
	end := len(matched)
	if d.PageSize > 0 && start+d.PageSize < end {
		end = start + d.PageSize
	}

	out := &dyn.QueryOutput{}
	for _, item := range matched[start:end] {
		out.Items = append(out.Items, copyItem(item))
	}
	out.Count = int32(len(out.Items))
	if end < len(matched) {
		last := matched[end-1]
		out.LastEvaluatedKey = map[string]types.AttributeValue{pkName: last[pkName]}
	}
	return out, nil
}

func (d *Dynamo) TransactWriteItems(ctx context.Context, in *dyn.TransactWriteItemsInput, optFns ...func(*dyn.Options)) (*dyn.TransactWriteItemsOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Calls["TransactWriteItems"]++
	if d.Err != nil {
		return nil, d.Err
	}
	if d.FailTransactions != nil {
		return nil, d.FailTransactions
	}
	if len(in.TransactItems) > MaxTransactItems {
		return nil, &smithy.GenericAPIError{
			Code:    "ValidationException",
			Message: fmt.Sprintf("transactItems must have length less than or equal to %d", MaxTransactItems),
		}
	}

	// dry run against a snapshot so a failed transaction leaves no trace
	snapshot := d.snapshot()
	reasons := make([]types.CancellationReason, len(in.TransactItems))
	canceled := false
	for i, it := range in.TransactItems {
		var err error
		switch {
		case it.Put != nil:
			err = d.applyPut(it.Put.TableName, it.Put.Item, it.Put.ConditionExpression, it.Put.ExpressionAttributeNames, it.Put.ExpressionAttributeValues, true)
		case it.Update != nil:
			_, err = d.applyUpdate(it.Update.TableName, it.Update.Key, it.Update.UpdateExpression, it.Update.ConditionExpression, it.Update.ExpressionAttributeNames, it.Update.ExpressionAttributeValues, true)
		default:
			err = errors.New("awstest: unsupported transact item")
		}
		reasons[i] = types.CancellationReason{Code: strPtr("None")}
		if err != nil {
			var ccf *types.ConditionalCheckFailedException
			if !errors.As(err, &ccf) {
				d.tables = snapshot
				return nil, err
			}
			reasons[i] = types.CancellationReason{Code: strPtr("ConditionalCheckFailed")}
			canceled = true
		}
	}
	if canceled {
		d.tables = snapshot
		return nil, &types.TransactionCanceledException{
			Message:             strPtr("Transaction cancelled"),
			CancellationReasons: reasons,
		}
	}
	return &dyn.TransactWriteItemsOutput{}, nil
}

func (d *Dynamo) snapshot() map[string]map[string]map[string]types.AttributeValue {
	out := make(map[string]map[string]map[string]types.AttributeValue, len(d.tables))
	for name, table := range d.tables {
		t := make(map[string]map[string]types.AttributeValue, len(table))
		for k, item := range table {
			t[k] = copyItem(item)
		}
		out[name] = t
	}
	return out
}

func (d *Dynamo) keyOf(table string, item map[string]types.AttributeValue) (string, error) {
	pkName, ok := d.keys[table]
	if !ok {
		return "", fmt.Errorf("awstest: unknown table %q", table)
	}
	v, ok := item[pkName].(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("awstest: item missing partition key %q", pkName)
	}
	return v.Value, nil
}

func (d *Dynamo) applyPut(table *string, item map[string]types.AttributeValue, cond *string, names map[string]string, values map[string]types.AttributeValue, inTx bool) error {
	if table == nil {
		return errors.New("awstest: missing table name")
	}
	pk, err := d.keyOf(*table, item)
	if err != nil {
		return err
	}
	ok, err := evalCondition(cond, d.tables[*table][pk], names, values)
	if err != nil {
		return err
	}
	if !ok {
		return &types.ConditionalCheckFailedException{Message: strPtr("The conditional request failed")}
	}
	d.tables[*table][pk] = copyItem(item)
	return nil
}

func (d *Dynamo) applyUpdate(table *string, key map[string]types.AttributeValue, update, cond *string, names map[string]string, values map[string]types.AttributeValue, inTx bool) (map[string]types.AttributeValue, error) {
	if table == nil || update == nil {
		return nil, errors.New("awstest: missing table name or update expression")
	}
	pk, err := d.keyOf(*table, key)
	if err != nil {
		return nil, err
	}
	current := d.tables[*table][pk]
	ok, err := evalCondition(cond, current, names, values)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &types.ConditionalCheckFailedException{Message: strPtr("The conditional request failed")}
	}

	item := copyItem(current)
	if item == nil {
		item = copyItem(key)
	}
	if err := applyUpdateExpression(item, *update, names, values); err != nil {
		return nil, err
	}
	d.tables[*table][pk] = item
	return item, nil
}

func applyUpdateExpression(item map[string]types.AttributeValue, expr string, names map[string]string, values map[string]types.AttributeValue) error {
	setPart, addPart := expr, ""
	if i := strings.Index(expr, " ADD "); i >= 0 {
		setPart, addPart = expr[:i], expr[i+len(" ADD "):]
	}
	setPart = strings.TrimSpace(setPart)
	if !strings.HasPrefix(setPart, "SET ") {
		return fmt.Errorf("awstest: unsupported update expression %q", expr)
	}
	for _, clause := range strings.Split(strings.TrimPrefix(setPart, "SET "), ",") {
		lhs, rhs, ok := strings.Cut(clause, "=")
		if !ok {
			return fmt.Errorf("awstest: bad SET clause %q", clause)
		}
		v, ok := values[strings.TrimSpace(rhs)]
		if !ok {
			return fmt.Errorf("awstest: missing value %q", strings.TrimSpace(rhs))
		}
		item[resolveName(strings.TrimSpace(lhs), names)] = v
	}
	if addPart != "" {
		fields := strings.Fields(addPart)
		if len(fields) != 2 {
			return fmt.Errorf("awstest: bad ADD clause %q", addPart)
		}
		name := resolveName(fields[0], names)
		inc, ok := values[fields[1]].(*types.AttributeValueMemberN)
		if !ok {
			return fmt.Errorf("awstest: ADD needs a numeric value")
		}
		var cur int64
		if n, ok := item[name].(*types.AttributeValueMemberN); ok {
			cur, _ = strconv.ParseInt(n.Value, 10, 64)
		}
		delta, _ := strconv.ParseInt(inc.Value, 10, 64)
		item[name] = &types.AttributeValueMemberN{Value: strconv.FormatInt(cur+delta, 10)}
	}
	return nil
}

func evalCondition(cond *string, item map[string]types.AttributeValue, names map[string]string, values map[string]types.AttributeValue) (bool, error) {
	if cond == nil || strings.TrimSpace(*cond) == "" {
		return true, nil
	}
	for _, term := range strings.Split(*cond, " AND ") {
		term = strings.Trim(strings.TrimSpace(term), "()")
		ok, err := evalTerm(term, item, names, values)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func evalTerm(term string, item map[string]types.AttributeValue, names map[string]string, values map[string]types.AttributeValue) (bool, error) {
	switch {
	case strings.HasPrefix(term, "attribute_exists("):
		name := resolveName(strings.TrimSuffix(strings.TrimPrefix(term, "attribute_exists("), ")"), names)
		_, ok := item[name]
		return ok, nil
	case strings.HasPrefix(term, "attribute_not_exists("):
		name := resolveName(strings.TrimSuffix(strings.TrimPrefix(term, "attribute_not_exists("), ")"), names)
		_, ok := item[name]
		return !ok, nil
	case strings.Contains(term, "<>"):
		lhs, rhs, _ := strings.Cut(term, "<>")
		want, ok := values[strings.TrimSpace(rhs)]
		if !ok {
			return false, fmt.Errorf("awstest: missing value %q", strings.TrimSpace(rhs))
		}
		return !sameValue(item[resolveName(strings.TrimSpace(lhs), names)], want), nil
	case strings.Contains(term, "="):
		lhs, rhs, _ := strings.Cut(term, "=")
		want, ok := values[strings.TrimSpace(rhs)]
		if !ok {
			return false, fmt.Errorf("awstest: missing value %q", strings.TrimSpace(rhs))
		}
		return sameValue(item[resolveName(strings.TrimSpace(lhs), names)], want), nil
	}
	return false, fmt.Errorf("awstest: unsupported condition %q", term)
}

func resolveName(name string, names map[string]string) string {
	if strings.HasPrefix(name, "#") {
		if real, ok := names[name]; ok {
			return real
		}
	}
	return name
}

func sameValue(a, b types.AttributeValue) bool {
	switch av := a.(type) {
	case *types.AttributeValueMemberS:
		bv, ok := b.(*types.AttributeValueMemberS)
		return ok && av.Value == bv.Value
	case *types.AttributeValueMemberN:
		bv, ok := b.(*types.AttributeValueMemberN)
		return ok && av.Value == bv.Value
	case *types.AttributeValueMemberBOOL:
		bv, ok := b.(*types.AttributeValueMemberBOOL)
		return ok && av.Value == bv.Value
	}
	return false
}

func stringAttr(v types.AttributeValue) string {
	switch av := v.(type) {
	case *types.AttributeValueMemberS:
		return av.Value
	case *types.AttributeValueMemberN:
		return av.Value
	}
	return ""
}

func copyItem(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	if item == nil {
		return nil
	}
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}

func strPtr(s string) *string { return &s }
