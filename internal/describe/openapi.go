package describe

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/codefionn/netcore/internal/service"
)

const faultRef = "#/components/schemas/Fault"

var documented = map[string]bool{
	http.MethodGet:    true,
	http.MethodHead:   true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

func paramSchema(t service.ParamType) *openapi3.Schema {
	switch t {
	case service.TypeInteger:
		return openapi3.NewInt64Schema()
	case service.TypeNumber:
		return openapi3.NewFloat64Schema()
	case service.TypeBoolean:
		return openapi3.NewBoolSchema()
	case service.TypeObject:
		return openapi3.NewSchema()
	default:
		return openapi3.NewStringSchema()
	}
}

func objectSchema(params []service.Param) *openapi3.Schema {
	schema := openapi3.NewObjectSchema().WithAnyAdditionalProperties()
	var required []string
	for _, p := range params {
		schema.WithProperty(p.Name, paramSchema(p.Type))
		if p.Required {
			required = append(required, p.Name)
		}
	}
	if len(required) > 0 {
		schema.WithRequired(required)
	}
	return schema
}

func faultSchema() *openapi3.Schema {
	return openapi3.NewObjectSchema().
		WithProperty("error", openapi3.NewStringSchema()).
		WithProperty("status_code", openapi3.NewInt32Schema()).
		WithProperty("status_text", openapi3.NewStringSchema()).
		WithRequired([]string{"error", "status_code", "status_text"})
}

func responses(op service.Operation, fault *openapi3.Schema) *openapi3.Responses {
	ok := openapi3.NewResponse().
		WithDescription("Successful " + op.Name).
		WithJSONSchema(objectSchema(op.Output))
	failed := openapi3.NewResponse().
		WithDescription("Fault").
		WithJSONSchemaRef(openapi3.NewSchemaRef(faultRef, fault))
	return openapi3.NewResponses(
		openapi3.WithStatus(http.StatusOK, &openapi3.ResponseRef{Value: ok}),
		openapi3.WithName("default", failed),
	)
}

// routeTemplate converts a route pattern such as /users/:id to /users/{id}
func routeTemplate(path string) (string, []string) {
	segments := strings.Split(path, "/")
	var names []string
	for i, seg := range segments {
		if len(seg) > 1 && (seg[0] == ':' || seg[0] == '*') {
			names = append(names, seg[1:])
			segments[i] = "{" + seg[1:] + "}"
		}
	}
	return strings.Join(segments, "/"), names
}

// OpenAPI renders an OpenAPI 3 document. Every operation is a POST on
// rpcPath/<name>; registered REST routes are listed as well. The server URL
// is Placeholder.
func OpenAPI(reg *service.Registry, rpcPath string) ([]byte, error) {
	fault := faultSchema()
	components := openapi3.NewComponents()
	components.Schemas = openapi3.Schemas{"Fault": &openapi3.SchemaRef{Value: fault}}

	doc := &openapi3.T{
		OpenAPI:    "3.0.3",
		Info:       &openapi3.Info{Title: reg.Name(), Version: "1.0.0"},
		Servers:    openapi3.Servers{{URL: Placeholder}},
		Paths:      openapi3.NewPaths(),
		Components: &components,
	}

	base := strings.TrimRight(rpcPath, "/")
	for _, op := range reg.Operations() {
		rpc := openapi3.NewOperation()
		rpc.OperationID = op.Name
		rpc.Summary = op.Summary
		rpc.RequestBody = &openapi3.RequestBodyRef{
			Value: openapi3.NewRequestBody().WithJSONSchema(objectSchema(op.Input)),
		}
		rpc.Responses = responses(op, fault)
		item := &openapi3.PathItem{}
		item.SetOperation(http.MethodPost, rpc)
		doc.Paths.Set(base+"/"+op.Name, item)

		for i, route := range op.Routes {
			if !documented[route.Method] {
				continue
			}
			template, names := routeTemplate(route.Path)
			rest := openapi3.NewOperation()
			rest.OperationID = op.Name + "_" + strings.ToLower(route.Method)
			if i > 0 {
				rest.OperationID += "_" + strconv.Itoa(i)
			}
			rest.Summary = op.Summary
			inPath := make(map[string]bool, len(names))
			for _, name := range names {
				inPath[name] = true
				rest.AddParameter(openapi3.NewPathParameter(name).WithSchema(openapi3.NewStringSchema()))
			}
			for _, p := range op.Input {
				if inPath[p.Name] || p.Type == service.TypeObject {
					continue
				}
				rest.AddParameter(openapi3.NewQueryParameter(p.Name).WithRequired(p.Required).WithSchema(paramSchema(p.Type)))
			}
			rest.Responses = responses(op, fault)

			existing := doc.Paths.Value(template)
			if existing == nil {
				existing = &openapi3.PathItem{}
				doc.Paths.Set(template, existing)
			}
			existing.SetOperation(route.Method, rest)
		}
	}

	return json.MarshalIndent(doc, "", "  ")
}
