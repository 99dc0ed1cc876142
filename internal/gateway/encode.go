package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"net/url"
	"os"
	"reflect"
	"sort"
	"strings"
)

// Attachment describes a file sent as a multipart file part.
type Attachment struct {
	// URI is a local path or a file:// URL.
	URI string
	// Name is the file name reported to the server.
	Name string
	// MIME is the part content type, e.g. "image/jpeg".
	MIME string
}

// Payload is the set of form fields for one call.
//
// Values are encoded as follows: bool becomes "1" or "0", strings and numbers
// are sent as-is, nil becomes an empty field, Attachment becomes a file part
// and anything else (maps, slices, structs) is sent as a JSON string.
type Payload map[string]any

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// encodeMultipart writes p as a multipart/form-data body. Keys are written in
// sorted order so bodies are reproducible.
func encodeMultipart(p Payload) (*bytes.Buffer, string, error) {
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)

	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if err := writeField(w, key, p[key]); err != nil {
			return nil, "", fmt.Errorf("encode field %q: %w", key, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return body, w.FormDataContentType(), nil
}

func writeField(w *multipart.Writer, key string, value any) error {
	switch v := value.(type) {
	case Attachment:
		return writeFile(w, key, v)
	case *Attachment:
		if v == nil {
			return w.WriteField(key, "")
		}
		return writeFile(w, key, *v)
	}

	s, err := formValue(value)
	if err != nil {
		return err
	}
	return w.WriteField(key, s)
}

// formValue converts a non-file value into its form representation.
func formValue(value any) (string, error) {
	switch v := value.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case bool:
		if v {
			return "1", nil
		}
		return "0", nil
	case json.Number:
		return v.String(), nil
	case json.RawMessage:
		return string(v), nil
	case []byte:
		return string(v), nil
	}

	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.String:
		return rv.String(), nil
	case reflect.Bool:
		return formValue(rv.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return fmt.Sprint(value), nil
	}

	buf, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

func writeFile(w *multipart.Writer, key string, a Attachment) error {
	path, err := attachmentPath(a.URI)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open attachment: %w", err)
	}
	defer f.Close()

	name := a.Name
	if name == "" {
		name = path[strings.LastIndex(path, string(os.PathSeparator))+1:]
	}
	mime := a.MIME
	if mime == "" {
		mime = "application/octet-stream"
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
		quoteEscaper.Replace(key), quoteEscaper.Replace(name)))
	h.Set("Content-Type", mime)

	part, err := w.CreatePart(h)
	if err != nil {
		return err
	}
	_, err = io.Copy(part, f)
	return err
}

func attachmentPath(uri string) (string, error) {
	if uri == "" {
		return "", fmt.Errorf("attachment without source")
	}
	if !strings.HasPrefix(uri, "file://") {
		return uri, nil
	}
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("parse attachment uri: %w", err)
	}
	return u.Path, nil
}

// redact returns a loggable copy of p without the token pair.
func redact(p Payload) map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		if k == "tokens" {
			continue
		}
		switch a := v.(type) {
		case Attachment:
			out[k] = "file:" + a.Name
		case *Attachment:
			if a != nil {
				out[k] = "file:" + a.Name
			}
		default:
			out[k] = v
		}
	}
	return out
}
