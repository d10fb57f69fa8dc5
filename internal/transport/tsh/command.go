package tsh

import (
	"fmt"
	"sort"
	"strings"

	"github.com/roomgrid/xapi/internal/rpc"
)

// bodyTerminator ends a multi-line command body. Body lines that could be
// read as the terminator or as new commands are dot-stuffed on the way out;
// the device strips the extra dot.
const bodyTerminator = "."

// marshalRequest renders a JSON-RPC request into the line-oriented command
// syntax the shell expects. The result id rides along as a trailing
// annotation so the device can tag the matching JSON response.
func marshalRequest(req rpc.Request) ([]byte, error) {
	params, _ := req.Params.(map[string]any)

	switch {
	case strings.HasPrefix(req.Method, "xCommand/"):
		return marshalCommand(req.ID, strings.TrimPrefix(req.Method, "xCommand/"), params)
	case req.Method == "xGet":
		path, err := pathParam(params, "Path")
		if err != nil {
			return nil, err
		}
		return []byte(pathCommand(path) + resultTag(req.ID) + "\n"), nil
	case req.Method == "xSet":
		path, err := pathParam(params, "Path")
		if err != nil {
			return nil, err
		}
		value, ok := params["Value"]
		if !ok {
			return nil, fmt.Errorf("xSet without Value")
		}
		return []byte(pathCommand(path) + ": " + formatValue(value) + resultTag(req.ID) + "\n"), nil
	case req.Method == "xFeedback/Subscribe":
		query, err := pathParam(params, "Query")
		if err != nil {
			return nil, err
		}
		return []byte("xFeedback register /" + strings.Join(query, "/") + resultTag(req.ID) + "\n"), nil
	case req.Method == "xFeedback/Unsubscribe":
		id, ok := params["Id"]
		if !ok {
			return nil, fmt.Errorf("xFeedback/Unsubscribe without Id")
		}
		return []byte("xFeedback deregister " + formatValue(id) + resultTag(req.ID) + "\n"), nil
	default:
		return nil, fmt.Errorf("method %q has no shell rendering", req.Method)
	}
}

func marshalCommand(id string, path string, params map[string]any) ([]byte, error) {
	var sb strings.Builder
	sb.WriteString("xCommand ")
	sb.WriteString(strings.ReplaceAll(path, "/", " "))

	body := ""
	keys := make([]string, 0, len(params))
	for key := range params {
		if key == "body" {
			body, _ = params[key].(string)
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		sb.WriteString(" ")
		sb.WriteString(key)
		sb.WriteString(": ")
		sb.WriteString(formatValue(params[key]))
	}
	sb.WriteString(resultTag(id))
	sb.WriteString("\n")

	if body != "" {
		sb.WriteString(stuffBody(body))
		sb.WriteString(bodyTerminator)
		sb.WriteString("\n")
	}
	return []byte(sb.String()), nil
}

// stuffBody escapes a multi-line body so none of its lines can terminate
// the body early or be read as a command: any line starting with a dot gets
// one more dot prepended.
func stuffBody(body string) string {
	lines := strings.Split(body, "\n")
	for i, line := range lines {
		if strings.HasPrefix(line, ".") {
			lines[i] = "." + line
		}
	}
	stuffed := strings.Join(lines, "\n")
	if !strings.HasSuffix(stuffed, "\n") {
		stuffed += "\n"
	}
	return stuffed
}

func pathCommand(path []string) string {
	// The leading path segment names the address space: Status, Config,
	// Configuration. The shell verb is the same word with an x prefix.
	verb := path[0]
	if verb == "Config" {
		verb = "Configuration"
	}
	parts := append([]string{"x" + verb}, path[1:]...)
	return strings.Join(parts, " ")
}

func pathParam(params map[string]any, key string) ([]string, error) {
	raw, ok := params[key]
	if !ok {
		return nil, fmt.Errorf("missing %s parameter", key)
	}
	switch p := raw.(type) {
	case []string:
		if len(p) == 0 {
			return nil, fmt.Errorf("empty %s parameter", key)
		}
		return p, nil
	case []any:
		path := make([]string, 0, len(p))
		for _, seg := range p {
			s, ok := seg.(string)
			if !ok {
				return nil, fmt.Errorf("%s segment %v is not a string", key, seg)
			}
			path = append(path, s)
		}
		if len(path) == 0 {
			return nil, fmt.Errorf("empty %s parameter", key)
		}
		return path, nil
	default:
		return nil, fmt.Errorf("%s parameter has unsupported type %T", key, raw)
	}
}

func formatValue(v any) string {
	switch value := v.(type) {
	case string:
		return fmt.Sprintf("%q", value)
	case bool:
		if value {
			return "True"
		}
		return "False"
	case float64:
		if value == float64(int64(value)) {
			return fmt.Sprintf("%d", int64(value))
		}
		return fmt.Sprintf("%v", value)
	default:
		return fmt.Sprintf("%v", value)
	}
}

func resultTag(id string) string {
	if id == "" {
		return ""
	}
	return fmt.Sprintf(" | resultId=%q", id)
}
