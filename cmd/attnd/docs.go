package main

// General API documentation for swaggo. Run `swag init -g cmd/attnd/docs.go` to regenerate docs.
//
// @title           attnd API
// @version         1.0
// @description     Next-word prediction and attention extraction over a causal language model.
//
// @contact.name   attnd maintainers
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
