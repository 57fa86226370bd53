package service

var UsesComponent = usesComponent
