package fetcher

import (
	"fmt"
	"strings"

	"github.com/influxdata/oplogtail"
	"github.com/influxdata/oplogtail/kit/platform/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
)

// Cursor reply field names.
const (
	cursorFieldName     = "cursor"
	idFieldName         = "id"
	nsFieldName         = "ns"
	firstBatchFieldName = "firstBatch"
	nextBatchFieldName  = "nextBatch"
	okFieldName         = "ok"
	errmsgFieldName     = "errmsg"
	codeFieldName       = "code"
	codeNameFieldName   = "codeName"
)

// CursorResponse is the decoded body of a find or getMore reply.
type CursorResponse struct {
	CursorID  int64
	Namespace string
	Batch     []bson.Raw
}

// ParseCursorResponse decodes {cursor: {id, ns, firstBatch|nextBatch}, ok}.
// A reply with ok other than 1 is a command failure.
func ParseCursorResponse(doc bson.Raw) (CursorResponse, error) {
	if err := commandStatus(doc); err != nil {
		return CursorResponse{}, err
	}

	cursor, err := oplogtail.Document(doc, cursorFieldName)
	if err != nil {
		return CursorResponse{}, parseError(err)
	}
	id, err := oplogtail.Int64(cursor, idFieldName)
	if err != nil {
		return CursorResponse{}, parseError(err)
	}

	var resp CursorResponse
	resp.CursorID = id
	if v, err := cursor.LookupErr(nsFieldName); err == nil {
		ns, ok := v.StringValueOK()
		if !ok {
			return CursorResponse{}, parseError(fmt.Errorf("%q field must be a string, found %s", nsFieldName, v.Type))
		}
		resp.Namespace = ns
	}

	batch, err := cursor.LookupErr(firstBatchFieldName)
	if err != nil {
		if batch, err = cursor.LookupErr(nextBatchFieldName); err != nil {
			return CursorResponse{}, parseError(fmt.Errorf("missing %q or %q field", firstBatchFieldName, nextBatchFieldName))
		}
	}
	arr, ok := batch.ArrayOK()
	if !ok {
		return CursorResponse{}, parseError(fmt.Errorf("batch must be an array, found %s", batch.Type))
	}
	values, err := arr.Values()
	if err != nil {
		return CursorResponse{}, parseError(err)
	}
	resp.Batch = make([]bson.Raw, 0, len(values))
	for i, v := range values {
		d, ok := v.DocumentOK()
		if !ok {
			return CursorResponse{}, parseError(fmt.Errorf("batch entry %d must be an object, found %s", i, v.Type))
		}
		resp.Batch = append(resp.Batch, d)
	}
	return resp, nil
}

// commandStatus returns the failure reported by a reply with ok != 1.
func commandStatus(doc bson.Raw) error {
	if err := doc.Validate(); err != nil {
		return parseError(err)
	}
	v, err := doc.LookupErr(okFieldName)
	if err != nil {
		return parseError(fmt.Errorf("missing %q field", okFieldName))
	}
	var ok bool
	if v.Type == bsontype.Boolean {
		ok = v.Boolean()
	} else {
		n, isNum := oplogtail.AsInt64(v)
		ok = isNum && n == 1
	}
	if ok {
		return nil
	}

	msg := "command failed"
	if v, err := doc.LookupErr(errmsgFieldName); err == nil {
		if s, isStr := v.StringValueOK(); isStr {
			msg = s
		}
	}
	var tags []string
	if v, err := doc.LookupErr(codeFieldName); err == nil {
		if n, isNum := oplogtail.AsInt64(v); isNum {
			tags = append(tags, fmt.Sprintf("code %d", n))
		}
	}
	if v, err := doc.LookupErr(codeNameFieldName); err == nil {
		if s, isStr := v.StringValueOK(); isStr {
			tags = append(tags, s)
		}
	}
	if len(tags) > 0 {
		msg = fmt.Sprintf("%s (%s)", msg, strings.Join(tags, ", "))
	}
	return &errors.Error{Code: errors.ECommandFailed, Msg: msg}
}

func parseError(err error) error {
	return &errors.Error{
		Code: errors.EFailedToParse,
		Msg:  "malformed cursor response",
		Err:  err,
	}
}
