// Package docs provides generated OpenAPI documentation.
//
// Screener API
//
//	@title			Screener API
//	@version		1.0
//	@description	Topic screening jobs over a reference library: local classification, delegated OpenAI batches and write-back.
//
//	@contact.name	API Support
//	@contact.url	https://github.com/jackzampolin/screener
//
//	@license.name	MIT
//	@license.url	https://opensource.org/licenses/MIT
//
//	@host		127.0.0.1:8420
//	@BasePath	/
//
//	@schemes	http
package docs

//go:generate swag init -g ../cmd/screener/serve.go -o ./swagger --parseDependency --parseInternal
