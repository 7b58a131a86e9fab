// Package docs provides generated OpenAPI documentation.
//
// Newsreel API
//
//	@title			Newsreel API
//	@version		1.0
//	@description	Batches refined newsletters into generated episodes and tracks per-user completion.
//
//	@contact.name	API Support
//	@contact.url	https://github.com/jackzampolin/newsreel
//
//	@license.name	MIT
//	@license.url	https://opensource.org/licenses/MIT
//
//	@host		localhost:8080
//	@BasePath	/
//
//	@schemes	http https
package docs

//go:generate swag init -g ../cmd/newsreel/serve.go -o ./swagger --parseDependency --parseInternal

import _ "embed"

// SwaggerJSON is the generated OpenAPI document, served when no spec path is
// configured.
//
//go:embed swagger/swagger.json
var SwaggerJSON []byte
