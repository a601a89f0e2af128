package main

// General API documentation for swaggo. Run `swag init -g cmd/chatd/docs.go -o docs`
// to regenerate the docs package.
//
// @title           chatd API
// @version         1.0
// @description     HTTP API for local LLM model acquisition and chat inference.
//
// @contact.name   chatd maintainers
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
